package card

import (
	"context"
	"sync"

	"github.com/jeremyhahn/go-cardauth/pkg/applet"
)

// EmulatorProvider reaches an in-process applet. The applet behaves like a
// single card in a single reader: only one session may be open at a time and
// closing the session powers the card down, which deselects the applet.
type EmulatorProvider struct {
	applet *applet.Applet

	mu   sync.Mutex
	open bool
}

// NewEmulatorProvider returns a provider for a. A nil applet gets a fresh one.
func NewEmulatorProvider(a *applet.Applet) *EmulatorProvider {
	if a == nil {
		a = applet.New()
	}
	return &EmulatorProvider{applet: a}
}

// Applet exposes the emulated card for inspection.
func (p *EmulatorProvider) Applet() *applet.Applet {
	return p.applet
}

// Open claims the emulated card.
func (p *EmulatorProvider) Open(ctx context.Context, _ Config) (Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		return nil, ErrBusy
	}
	p.open = true
	return &emulatorSession{provider: p}, nil
}

func (p *EmulatorProvider) release() {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
}

type emulatorSession struct {
	provider *EmulatorProvider

	mu     sync.Mutex
	closed bool
}

func (s *emulatorSession) Transmit(ctx context.Context, frame []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.provider.applet.Process(frame), nil
}

func (s *emulatorSession) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.provider.applet.Deselect()
	s.provider.release()
	return nil
}
