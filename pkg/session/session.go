package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the session lifetime when none is configured.
const DefaultTimeout = 300 * time.Second

const (
	idLength      = 8
	maxIDAttempts = 32
	tokenKeySize  = 32
)

var (
	// ErrNotFound indicates an unknown, expired or closed session.
	ErrNotFound = errors.New("session: not found")
	// ErrShutdown indicates the manager no longer accepts sessions.
	ErrShutdown = errors.New("session: manager shut down")
	// ErrIDExhausted indicates no unused identifier could be generated.
	ErrIDExhausted = errors.New("session: could not allocate a unique id")
	// ErrInvalidToken indicates a token that failed verification.
	ErrInvalidToken = errors.New("session: invalid token")
)

// Reason says why a session ended.
type Reason int

const (
	ReasonClosed Reason = iota
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonTimeout:
		return "timeout"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Session is a snapshot of a granted session.
type Session struct {
	ID      string
	Owner   string
	Start   time.Time
	Timeout time.Duration
	// Duration is set once the session has ended.
	Duration time.Duration
}

// ExpiresAt is the last instant at which the session is still active.
func (s Session) ExpiresAt() time.Time {
	return s.Start.Add(s.Timeout)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the session lifetime. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithOnEnd registers a hook that runs exactly once for every session that
// ends, whichever path ends it. The hook runs without the manager lock held.
func WithOnEnd(f func(Session, Reason)) Option {
	return func(m *Manager) {
		m.onEnd = f
	}
}

// WithTokenKey sets the HMAC key for session tokens. Without it a random key
// is generated, so tokens do not outlive the process.
func WithTokenKey(key []byte) Option {
	return func(m *Manager) {
		if len(key) > 0 {
			m.tokenKey = append([]byte(nil), key...)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

type entry struct {
	session Session
	timer   Timer
	done    chan struct{}
}

// Manager tracks active sessions. Every way a session can end (Close, the
// expiry timer, a lazy expiry check, Shutdown) goes through remove, so each
// session ends exactly once.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entry
	shutdown bool

	timeout  time.Duration
	clock    Clock
	onEnd    func(Session, Reason)
	tokenKey []byte
	log      *slog.Logger
	newID    func() string
}

// NewManager returns a Manager configured by opts.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		sessions: make(map[string]*entry),
		timeout:  DefaultTimeout,
		clock:    systemClock{},
		log:      slog.New(slog.DiscardHandler),
		newID:    func() string { return uuid.NewString()[:idLength] },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.tokenKey == nil {
		m.tokenKey = make([]byte, tokenKeySize)
		if _, err := rand.Read(m.tokenKey); err != nil {
			return nil, fmt.Errorf("session: generate token key: %w", err)
		}
	}
	return m, nil
}

// Timeout returns the configured session lifetime.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Create starts a session for owner.
func (m *Manager) Create(owner string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return Session{}, ErrShutdown
	}

	id, err := m.allocateID()
	if err != nil {
		return Session{}, err
	}
	e := &entry{
		session: Session{ID: id, Owner: owner, Start: m.clock.Now(), Timeout: m.timeout},
		done:    make(chan struct{}),
	}
	m.sessions[id] = e
	m.arm(e, m.timeout)
	m.log.Debug("session created", "session", id, "user", owner)
	return e.session, nil
}

func (m *Manager) allocateID() (string, error) {
	for range maxIDAttempts {
		id := m.newID()
		if _, taken := m.sessions[id]; !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// arm schedules the expiry check for e. Caller holds m.mu.
func (m *Manager) arm(e *entry, after time.Duration) {
	e.timer = m.clock.AfterFunc(after, func() { m.onTimer(e) })
}

func (m *Manager) onTimer(e *entry) {
	m.mu.Lock()
	if m.sessions[e.session.ID] != e {
		m.mu.Unlock()
		return
	}
	if remaining := e.session.ExpiresAt().Sub(m.clock.Now()); remaining >= 0 {
		// still active at the deadline itself; check again just past it
		m.arm(e, remaining+time.Nanosecond)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.remove(e.session.ID, e, ReasonTimeout)
}

// remove ends the session if e is still the tracked entry for id. Only the
// caller that wins runs the hook.
func (m *Manager) remove(id string, e *entry, reason Reason) (Session, bool) {
	m.mu.Lock()
	cur, ok := m.sessions[id]
	if !ok || (e != nil && cur != e) {
		m.mu.Unlock()
		return Session{}, false
	}
	delete(m.sessions, id)
	if cur.timer != nil {
		cur.timer.Stop()
	}
	cur.session.Duration = m.clock.Now().Sub(cur.session.Start)
	ended := cur.session
	m.mu.Unlock()

	m.log.Debug("session ended", "session", id, "user", ended.Owner, "reason", reason, "duration", ended.Duration)
	if m.onEnd != nil {
		m.onEnd(ended, reason)
	}
	close(cur.done)
	return ended, true
}

// expired reports whether e has outlived its timeout. Caller holds m.mu.
func (m *Manager) expired(e *entry) bool {
	return m.clock.Now().Sub(e.session.Start) > e.session.Timeout
}

// Lookup returns the session if it is still active, expiring it lazily.
func (m *Manager) Lookup(id string) (Session, bool) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return Session{}, false
	}
	if !m.expired(e) {
		s := e.session
		m.mu.Unlock()
		return s, true
	}
	m.mu.Unlock()
	m.remove(id, e, ReasonTimeout)
	return Session{}, false
}

// IsActive reports whether id names a live session. A session is active up
// to and including the instant Start+Timeout.
func (m *Manager) IsActive(id string) bool {
	_, ok := m.Lookup(id)
	return ok
}

// Close ends the session. It reports false if the session had already ended.
func (m *Manager) Close(id string) (Session, bool) {
	return m.remove(id, nil, ReasonClosed)
}

// Done returns a channel closed when the session ends. Unknown sessions
// return a closed channel.
func (m *Manager) Done(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[id]; ok {
		return e.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Len returns the number of tracked sessions, including any not yet lazily
// expired.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown refuses new sessions and closes every remaining one.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		m.remove(e.session.ID, e, ReasonClosed)
	}
}
