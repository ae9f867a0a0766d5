package api

import (
	"context"
	"errors"
	"testing"

	"github.com/jeremyhahn/go-cardauth/pkg/access"
	"github.com/jeremyhahn/go-cardauth/pkg/card"
	"github.com/jeremyhahn/go-cardauth/pkg/session"
)

type stubController struct {
	err      error
	calls    int
	pins     []string
	sessions *session.Manager
}

func (s *stubController) Authenticate(ctx context.Context, pins access.PINSource) (*access.Result, error) {
	s.calls++
	for attempt := 1; ; attempt++ {
		pin, err := pins.PIN(ctx, attempt)
		if err != nil {
			break
		}
		s.pins = append(s.pins, pin)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &access.Result{UserID: "stub"}, nil
}

func (s *stubController) Sessions() *session.Manager { return s.sessions }

func (s *stubController) EndSession(id string) bool {
	_, ok := s.sessions.Close(id)
	return ok
}

func newStationController(t *testing.T) *access.Controller {
	t.Helper()
	ctrl, err := access.New(card.NewEmulatorProvider(nil))
	if err != nil {
		t.Fatalf("access.New error: %v", err)
	}
	t.Cleanup(ctrl.Close)
	if _, err := ctrl.Enroll(context.Background(), "alice", "1234"); err != nil {
		t.Fatalf("Enroll error: %v", err)
	}
	return ctrl
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{}); !errors.Is(err, ErrNoStations) {
		t.Fatalf("expected ErrNoStations, got %v", err)
	}
	if _, err := NewService(Config{Stations: []Station{{Name: "lobby"}}}); err == nil {
		t.Fatal("expected error for station without controller")
	}
	stub := &stubController{}
	if _, err := NewService(Config{Stations: []Station{{Name: "lobby", Controller: stub}, {Name: "lobby", Controller: stub}}}); err == nil {
		t.Fatal("expected error for duplicate station")
	}
}

func TestLoginOffersPINOnce(t *testing.T) {
	stub := &stubController{}
	svc, err := NewService(Config{Stations: []Station{{Name: "lobby", Controller: stub}}})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	resp, err := svc.Login(context.Background(), LoginRequest{PIN: "1234"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if resp.Station != "lobby" || resp.UserID != "stub" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(stub.pins) != 1 || stub.pins[0] != "1234" {
		t.Fatalf("expected a single pin entry, got %v", stub.pins)
	}
}

func TestLoginStationSelection(t *testing.T) {
	lobby := &stubController{}
	lab := &stubController{}
	svc, err := NewService(Config{Stations: []Station{{Name: "lobby", Controller: lobby}, {Name: "lab", Controller: lab}}})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	if _, err := svc.Login(context.Background(), LoginRequest{PIN: "1234"}); !errors.Is(err, ErrStationRequired) {
		t.Fatalf("expected ErrStationRequired, got %v", err)
	}
	if _, err := svc.Login(context.Background(), LoginRequest{Station: "garage", PIN: "1234"}); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("expected ErrStationNotFound, got %v", err)
	}
	if _, err := svc.Login(context.Background(), LoginRequest{Station: "lab", PIN: "1234"}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if lobby.calls != 0 || lab.calls != 1 {
		t.Fatalf("unexpected call counts: lobby=%d lab=%d", lobby.calls, lab.calls)
	}
}

func TestLoginErrors(t *testing.T) {
	failure := errors.New("reader offline")
	svc, err := NewService(Config{Stations: []Station{{Name: "lobby", Controller: &stubController{err: failure}}}})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	if _, err := svc.Login(context.Background(), LoginRequest{}); !errors.Is(err, ErrMissingPIN) {
		t.Fatalf("expected ErrMissingPIN, got %v", err)
	}
	if _, err := svc.Login(context.Background(), LoginRequest{PIN: "1234"}); !errors.Is(err, failure) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Login(ctx, LoginRequest{PIN: "1234"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	var nilSvc *Service
	if _, err := nilSvc.Login(context.Background(), LoginRequest{PIN: "1234"}); !errors.Is(err, ErrNoStations) {
		t.Fatalf("expected ErrNoStations, got %v", err)
	}
}

func TestLoginVerifyLogout(t *testing.T) {
	svc, err := NewService(Config{Stations: []Station{
		{Name: "lobby", Controller: newStationController(t)},
		{Name: "lab", Controller: newStationController(t)},
	}})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	resp, err := svc.Login(context.Background(), LoginRequest{Station: "lab", PIN: "1234"})
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}

	name, sess, err := svc.Verify(resp.Token)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if name != "lab" || sess.ID != resp.Session.ID || sess.Owner != "alice" {
		t.Fatalf("unexpected verification: %s %+v", name, sess)
	}

	if err := svc.Logout(resp.Token); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, _, err := svc.Verify(resp.Token); err == nil {
		t.Fatal("expected verification to fail after logout")
	}
	if _, _, err := svc.Verify(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestLoginWrongPINStopsAfterOneAttempt(t *testing.T) {
	ctrl := newStationController(t)
	svc, err := NewService(Config{Stations: []Station{{Name: "lobby", Controller: ctrl}}})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	_, err = svc.Login(context.Background(), LoginRequest{PIN: "0000"})
	if !errors.Is(err, ErrPINRejected) {
		t.Fatalf("expected ErrPINRejected, got %v", err)
	}

	// one failure leaves the card with two tries
	if _, err := svc.Login(context.Background(), LoginRequest{PIN: "1234"}); err != nil {
		t.Fatalf("expected success after a single failure, got %v", err)
	}
}
