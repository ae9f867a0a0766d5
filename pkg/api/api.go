package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-cardauth/pkg/access"
	"github.com/jeremyhahn/go-cardauth/pkg/session"
)

// Controller is the contract a badge station fulfils. *access.Controller
// implements it.
type Controller interface {
	Authenticate(ctx context.Context, pins access.PINSource) (*access.Result, error)
	Sessions() *session.Manager
	EndSession(id string) bool
}

// StationName identifies a registered badge station (one reader and card).
type StationName string

// Station is a named badge station.
type Station struct {
	Name       StationName
	Controller Controller
}

// Config contains the stations the service fronts.
type Config struct {
	Stations []Station
}

// Service offers non-interactive login, token checks and logout across
// configured stations.
type Service struct {
	stations []Station
}

var (
	// ErrNoStations indicates the service was initialised without any stations.
	ErrNoStations = errors.New("api: no badge stations configured")
	// ErrStationNotFound indicates a requested station name does not exist.
	ErrStationNotFound = errors.New("api: requested station not configured")
	// ErrStationRequired indicates a login that must name its station.
	ErrStationRequired = errors.New("api: station required when several are configured")
	// ErrMissingPIN indicates a login request without a PIN.
	ErrMissingPIN = errors.New("api: pin required")
	// ErrMissingToken indicates a request without a session token.
	ErrMissingToken = errors.New("api: token required")
	// ErrPINRejected is returned to the controller when it asks for a second
	// PIN entry; a login request carries exactly one.
	ErrPINRejected = errors.New("api: pin rejected")
)

// NewService builds a Service from the supplied configuration.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Stations) == 0 {
		return nil, ErrNoStations
	}

	stations := make([]Station, 0, len(cfg.Stations))
	seen := map[StationName]struct{}{}
	for i, s := range cfg.Stations {
		if s.Controller == nil {
			return nil, fmt.Errorf("api: station at index %d has no controller", i)
		}
		if _, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("api: duplicate station name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		stations = append(stations, s)
	}

	return &Service{stations: stations}, nil
}

// LoginRequest names the station and carries the PIN typed at it.
type LoginRequest struct {
	Station StationName
	PIN     string
}

// LoginResponse describes a granted login.
type LoginResponse struct {
	Station StationName
	UserID  string
	Session session.Session
	Token   string
}

// Login authenticates the badge in the requested station. The PIN is offered
// once; a wrong PIN ends the attempt.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	if s == nil || len(s.stations) == 0 {
		return nil, ErrNoStations
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if req.PIN == "" {
		return nil, ErrMissingPIN
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	station, err := s.station(req.Station)
	if err != nil {
		return nil, err
	}

	res, err := station.Controller.Authenticate(ctx, singlePIN(req.PIN))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", station.Name, err)
	}
	return &LoginResponse{
		Station: station.Name,
		UserID:  res.UserID,
		Session: res.Session,
		Token:   res.Token,
	}, nil
}

func (s *Service) station(name StationName) (Station, error) {
	if name == "" {
		if len(s.stations) > 1 {
			return Station{}, ErrStationRequired
		}
		return s.stations[0], nil
	}
	for _, st := range s.stations {
		if st.Name == name {
			return st, nil
		}
	}
	return Station{}, ErrStationNotFound
}

func singlePIN(pin string) access.PINSource {
	return access.PINFunc(func(_ context.Context, attempt int) (string, error) {
		if attempt > 1 {
			return "", ErrPINRejected
		}
		return pin, nil
	})
}

// Verify returns the live session a token names and the station that issued
// it.
func (s *Service) Verify(token string) (StationName, session.Session, error) {
	if s == nil || len(s.stations) == 0 {
		return "", session.Session{}, ErrNoStations
	}
	if token == "" {
		return "", session.Session{}, ErrMissingToken
	}

	var errs []error
	for _, st := range s.stations {
		sess, err := st.Controller.Sessions().Authorize(token)
		if err == nil {
			return st.Name, sess, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
	}
	return "", session.Session{}, errors.Join(errs...)
}

// Logout ends the session a token names.
func (s *Service) Logout(token string) error {
	name, sess, err := s.Verify(token)
	if err != nil {
		return err
	}
	station, err := s.station(name)
	if err != nil {
		return err
	}
	if !station.Controller.EndSession(sess.ID) {
		return session.ErrNotFound
	}
	return nil
}

var _ Controller = (*access.Controller)(nil)
