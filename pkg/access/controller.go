// Package access runs enrollment and two-factor authentication against a
// credential card and hands successful authentications to a session manager.
package access

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jeremyhahn/go-cardauth/pkg/apdu"
	"github.com/jeremyhahn/go-cardauth/pkg/applet"
	"github.com/jeremyhahn/go-cardauth/pkg/audit"
	"github.com/jeremyhahn/go-cardauth/pkg/card"
	"github.com/jeremyhahn/go-cardauth/pkg/session"
)

// DefaultMaxAttempts is the number of PIN entries allowed per authentication.
const DefaultMaxAttempts = 3

const (
	minPINLen = 4
	maxPINLen = applet.MaxPINSize
)

// PINSource supplies PIN entries. attempt counts from 1.
type PINSource interface {
	PIN(ctx context.Context, attempt int) (string, error)
}

// PINFunc adapts a function to PINSource.
type PINFunc func(ctx context.Context, attempt int) (string, error)

// PIN implements PINSource.
func (f PINFunc) PIN(ctx context.Context, attempt int) (string, error) { return f(ctx, attempt) }

// Result describes a granted authentication.
type Result struct {
	UserID   string
	Session  session.Session
	Token    string
	Attempts int
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxAttempts caps PIN entries per authentication. Values below one are
// ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithCardConfig selects the card and applet.
func WithCardConfig(cfg card.Config) Option {
	return func(c *Controller) { c.cardCfg = cfg }
}

// WithSink sets the audit sink.
func WithSink(s audit.Sink) Option {
	return func(c *Controller) {
		if s != nil {
			c.sink = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock sets the clock used for audit timestamps and sessions.
func WithClock(clk session.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithRandom sets the entropy source for enrollment secrets.
func WithRandom(r io.Reader) Option {
	return func(c *Controller) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithSessionOptions passes options to the session manager the controller
// creates. An OnEnd hook given here is replaced by the controller's own.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Controller) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// Controller drives the card through enrollment and authentication.
type Controller struct {
	provider    card.Provider
	cardCfg     card.Config
	sessions    *session.Manager
	sessionOpts []session.Option
	sink        audit.Sink
	log         *slog.Logger
	clock       session.Clock
	rand        io.Reader
	maxAttempts int
}

// New returns a controller reaching the card through provider. A nil provider
// uses the card package's system provider.
func New(provider card.Provider, opts ...Option) (*Controller, error) {
	c := &Controller{
		provider:    provider,
		cardCfg:     card.DefaultConfig(),
		sink:        audit.Discard,
		log:         slog.New(slog.DiscardHandler),
		rand:        rand.Reader,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	sessionOpts := append([]session.Option{session.WithLogger(c.log)}, c.sessionOpts...)
	if c.clock != nil {
		sessionOpts = append(sessionOpts, session.WithClock(c.clock))
	}
	sessionOpts = append(sessionOpts, session.WithOnEnd(c.sessionEnded))
	sessions, err := session.NewManager(sessionOpts...)
	if err != nil {
		return nil, err
	}
	c.sessions = sessions
	return c, nil
}

// Sessions returns the controller's session manager.
func (c *Controller) Sessions() *session.Manager { return c.sessions }

// Close ends every open session.
func (c *Controller) Close() {
	c.sessions.Shutdown()
}

// EndSession closes a session on the user's request. It reports false if the
// session had already ended.
func (c *Controller) EndSession(id string) bool {
	_, ok := c.sessions.Close(id)
	return ok
}

// ValidatePIN applies the client-side PIN rule: 4 to 8 ASCII digits.
func ValidatePIN(pin string) error {
	if len(pin) < minPINLen || len(pin) > maxPINLen {
		return ErrInvalidPIN
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return ErrInvalidPIN
		}
	}
	return nil
}

func (c *Controller) dial(ctx context.Context) (*card.Conn, error) {
	return card.Dial(ctx, c.cardCfg, c.provider, card.WithLogger(c.log))
}

// Enroll personalizes the card for userID with pin and seals a fresh random
// secret on it. The secret is returned hex-encoded for the operator's records.
// userID is truncated to the card's 16-byte limit.
func (c *Controller) Enroll(ctx context.Context, userID, pin string) (secret string, err error) {
	if err := ValidatePIN(pin); err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrInvalidUserID
	}
	if len(userID) > applet.MaxUserID {
		userID = userID[:applet.MaxUserID]
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := conn.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	status, err := conn.SetCredential(ctx, []byte(pin), []byte(userID))
	if err := stepErr("set credential", status, err); err != nil {
		return "", err
	}

	key, err := c.newSecret()
	if err != nil {
		return "", err
	}

	status, err = conn.VerifyPIN(ctx, []byte(pin))
	if err := stepErr("verify pin", status, err); err != nil {
		return "", err
	}
	status, err = conn.StoreSecret(ctx, key)
	if err := stepErr("store secret", status, err); err != nil {
		return "", err
	}

	c.log.Info("card enrolled", "user", userID)
	c.emit(ctx, userID, audit.TypeInit, "card enrolled")
	return hex.EncodeToString(key), nil
}

func stepErr(step string, status apdu.Status, err error) error {
	if err != nil {
		return fmt.Errorf("access: %s: %w", step, err)
	}
	if !status.IsSuccess() {
		return fmt.Errorf("%w: %s: %s", ErrEnrollment, step, status)
	}
	return nil
}

func (c *Controller) newSecret() ([]byte, error) {
	key := make([]byte, applet.SecretSize)
	for {
		if _, err := io.ReadFull(c.rand, key); err != nil {
			return nil, fmt.Errorf("access: generate secret: %w", err)
		}
		// an all-zero secret is indistinguishable from an empty card
		if validSecret(key) {
			return key, nil
		}
	}
}

// validSecret is the possession check on a released secret: the card must
// return a full-length value that is not the all-zero placeholder of a card
// with no stored secret.
func validSecret(key []byte) bool {
	return len(key) == applet.SecretSize && !bytes.Equal(key, make([]byte, applet.SecretSize))
}

// Authenticate reads the identity from the card, verifies a PIN from pins and
// checks the card's secret. On success it opens a session.
func (c *Controller) Authenticate(ctx context.Context, pins PINSource) (res *Result, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := conn.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	raw, status, err := conn.UserID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceRead, err)
	}
	if !status.IsSuccess() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceRead, status)
	}
	userID := strings.TrimSpace(string(raw))
	log := c.log.With("user", userID)

	attempts, err := c.verifyPIN(ctx, conn, pins, userID, log)
	if err != nil {
		return nil, err
	}

	key, status, err := conn.RetrieveSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRetrieval, err)
	}
	if !status.IsSuccess() {
		c.emit(ctx, userID, audit.TypeAuthFail, "secret retrieval failed: "+status.String())
		return nil, fmt.Errorf("%w: %s", ErrKeyRetrieval, status)
	}
	if !validSecret(key) {
		log.Warn("secret rejected")
		c.emit(ctx, userID, audit.TypeAuthFail, "invalid secret")
		return nil, ErrChallengeFailed
	}

	s, err := c.sessions.Create(userID)
	if err != nil {
		return nil, err
	}
	token, err := c.sessions.Token(s)
	if err != nil {
		c.sessions.Close(s.ID)
		return nil, err
	}
	log.Info("access granted", "session", s.ID)
	c.emit(ctx, userID, audit.TypeAccessGranted, "access granted, session "+s.ID)
	return &Result{UserID: userID, Session: s, Token: token, Attempts: attempts}, nil
}

func (c *Controller) verifyPIN(ctx context.Context, conn *card.Conn, pins PINSource, userID string, log *slog.Logger) (int, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		pin, err := pins.PIN(ctx, attempt)
		if err != nil {
			return attempt, fmt.Errorf("access: read pin: %w", err)
		}
		status, err := conn.VerifyPIN(ctx, []byte(pin))
		if err != nil {
			return attempt, fmt.Errorf("%w: %w", ErrVerification, err)
		}

		switch {
		case status.IsSuccess():
			return attempt, nil
		case status.IsBlocked():
			log.Warn("card blocked")
			c.emit(ctx, userID, audit.TypeBlocked, "card blocked")
			return attempt, ErrBlocked
		}
		if remaining, ok := status.TriesRemaining(); ok {
			log.Info("wrong pin", "remaining", remaining)
			c.emit(ctx, userID, audit.TypeAuthFail, fmt.Sprintf("wrong pin, %d tries remaining", remaining))
			continue
		}
		return attempt, fmt.Errorf("%w: %s", ErrVerification, status)
	}
	return c.maxAttempts, ErrMaxAttempts
}

// Unblock resets the card's PIN try counter. Callers must restrict it to
// administrators.
func (c *Controller) Unblock(ctx context.Context) (err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	status, err := conn.ResetTries(ctx)
	if err != nil {
		return err
	}
	if !status.IsSuccess() {
		return fmt.Errorf("access: reset tries: %w", status.Err())
	}
	c.log.Info("card unblocked")
	return nil
}

func (c *Controller) sessionEnded(s session.Session, reason session.Reason) {
	typ, details := audit.TypeSessionClosed, fmt.Sprintf("session %s closed after %s", s.ID, s.Duration.Round(time.Second))
	if reason == session.ReasonTimeout {
		typ, details = audit.TypeSessionTimeout, fmt.Sprintf("session %s expired", s.ID)
	}
	c.emit(context.Background(), s.Owner, typ, details)
}

// emit records an event. Audit failures are logged and never change the
// outcome of the operation being audited.
func (c *Controller) emit(ctx context.Context, userID string, typ audit.EventType, details string) {
	e := audit.Event{Timestamp: c.now(), UserID: userID, Type: typ, Details: details}
	if err := c.sink.Emit(ctx, e); err != nil {
		c.log.Error("audit emit failed", "type", typ, "user", userID, "error", err)
	}
}

func (c *Controller) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now()
}
