package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jeremyhahn/go-cardauth/pkg/apdu"
	"github.com/jeremyhahn/go-cardauth/pkg/applet"
)

// Session carries raw command frames to a card and returns its response frames.
// Exactly one command is in flight per session.
type Session interface {
	Transmit(ctx context.Context, frame []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// Provider abstracts establishing a session with the card named by a Config.
type Provider interface {
	Open(ctx context.Context, cfg Config) (Session, error)
}

var (
	errSystemProviderUnavailable = errors.New("card: system provider unavailable; configure a card provider")
	// ErrSelectFailed indicates the card did not accept SELECT for the configured AID.
	ErrSelectFailed = errors.New("card: applet selection failed")
	// ErrClosed indicates the connection or session was already closed.
	ErrClosed = errors.New("card: connection closed")
	// ErrBusy indicates the card already has an open session.
	ErrBusy = errors.New("card: card in use by another session")
)

const (
	minAIDLen = 5
	maxAIDLen = 16
)

// Config identifies the card and applet to talk to.
type Config struct {
	// Reader names the terminal holding the card. Providers with a single
	// card ignore it.
	Reader string
	// AID is the application identifier selected after connecting.
	AID []byte
}

// DefaultConfig targets the credential applet's default AID.
func DefaultConfig() Config {
	return Config{AID: applet.DefaultAID}
}

func (c Config) validate() error {
	if len(c.AID) < minAIDLen || len(c.AID) > maxAIDLen {
		return fmt.Errorf("card: aid must be %d..%d bytes, got %d", minAIDLen, maxAIDLen, len(c.AID))
	}
	return nil
}

var systemProvider Provider

// SetSystemProvider installs the default provider used when callers pass nil
// to Dial. Primarily useful for wiring a reader stack from hosting applications.
func SetSystemProvider(p Provider) {
	systemProvider = p
}

// DialOption configures a Conn.
type DialOption func(*Conn)

// WithLogger logs every command and status at debug level.
func WithLogger(l *slog.Logger) DialOption {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// Conn is a selected applet reached through a Session.
type Conn struct {
	mu      sync.Mutex
	session Session
	log     *slog.Logger
	closed  bool
}

// Dial opens a session through provider and selects the configured applet.
// If provider is nil the package-level system provider is used.
func Dial(ctx context.Context, cfg Config, provider Provider, opts ...DialOption) (conn *Conn, err error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		if systemProvider == nil {
			return nil, errSystemProviderUnavailable
		}
		provider = systemProvider
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	session, err := provider.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &Conn{session: session, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	defer func() {
		if err != nil {
			if cerr := session.Close(ctx); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}()

	resp, err := c.Transmit(ctx, apdu.Select(cfg.AID))
	if err != nil {
		return nil, err
	}
	if !resp.Status.IsSuccess() {
		return nil, fmt.Errorf("%w: %s", ErrSelectFailed, resp.Status)
	}
	return c, nil
}

// Transmit sends one command and waits for its response. Status words are
// returned in the response; the error is reserved for transport failures.
func (c *Conn) Transmit(ctx context.Context, cmd apdu.Command) (apdu.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	frame, err := cmd.Encode()
	if err != nil {
		return apdu.Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apdu.Response{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return apdu.Response{}, err
	}

	raw, err := c.session.Transmit(ctx, frame)
	if err != nil {
		return apdu.Response{}, err
	}
	resp, err := apdu.ParseResponse(raw)
	if err != nil {
		return apdu.Response{}, err
	}
	c.log.Debug("card command", "ins", cmd.Instruction, "status", resp.Status)
	return resp, nil
}

// Close ends the session. Closing twice is a no-op.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if ctx == nil {
		ctx = context.Background()
	}
	return c.session.Close(ctx)
}
