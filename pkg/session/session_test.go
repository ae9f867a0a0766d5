package session_test

import (
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cardauth/pkg/session"
	"github.com/jeremyhahn/go-cardauth/pkg/session/sessiontest"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type endRecorder struct {
	mu   sync.Mutex
	ends []session.Reason
	ids  []string
}

func (r *endRecorder) hook(s session.Session, reason session.Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, reason)
	r.ids = append(r.ids, s.ID)
}

func (r *endRecorder) reasons() []session.Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Reason(nil), r.ends...)
}

func newManager(t *testing.T, timeout time.Duration, opts ...session.Option) (*session.Manager, *sessiontest.Clock, *endRecorder) {
	t.Helper()
	clock := sessiontest.NewClock(epoch)
	rec := &endRecorder{}
	opts = append([]session.Option{
		session.WithTimeout(timeout),
		session.WithClock(clock),
		session.WithOnEnd(rec.hook),
	}, opts...)
	m, err := session.NewManager(opts...)
	require.NoError(t, err)
	return m, clock, rec
}

func TestCreate(t *testing.T) {
	m, _, _ := newManager(t, time.Minute)
	s, err := m.Create("alice")
	require.NoError(t, err)
	require.Len(t, s.ID, 8)
	_, err = hex.DecodeString(s.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", s.Owner)
	require.Equal(t, epoch, s.Start)
	require.Equal(t, time.Minute, s.Timeout)
	require.True(t, m.IsActive(s.ID))
}

func TestDefaultTimeout(t *testing.T) {
	m, err := session.NewManager(session.WithTimeout(-time.Second))
	require.NoError(t, err)
	require.Equal(t, session.DefaultTimeout, m.Timeout())
}

func TestIDsRegeneratedUntilUnique(t *testing.T) {
	m, _, _ := newManager(t, time.Minute)
	ids := []string{"aaaaaaaa", "aaaaaaaa", "aaaaaaaa", "bbbbbbbb"}
	var n int
	session.SetIDGenerator(m, func() string {
		id := ids[n]
		n++
		return id
	})

	first, err := m.Create("alice")
	require.NoError(t, err)
	second, err := m.Create("bob")
	require.NoError(t, err)
	require.Equal(t, "aaaaaaaa", first.ID)
	require.Equal(t, "bbbbbbbb", second.ID)

	session.SetIDGenerator(m, func() string { return "aaaaaaaa" })
	_, err = m.Create("carol")
	require.ErrorIs(t, err, session.ErrIDExhausted)
}

func TestExpiryBoundary(t *testing.T) {
	m, clock, rec := newManager(t, time.Minute)
	s, err := m.Create("alice")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.True(t, m.IsActive(s.ID), "active at exactly the timeout")
	require.Empty(t, rec.reasons())

	clock.Advance(time.Nanosecond)
	require.False(t, m.IsActive(s.ID))
	require.Equal(t, []session.Reason{session.ReasonTimeout}, rec.reasons())
}

func TestLazyExpiryWithoutTimer(t *testing.T) {
	clock := sessiontest.NewClock(epoch)
	rec := &endRecorder{}
	m, err := session.NewManager(session.WithTimeout(time.Minute), session.WithClock(stalledTimers{clock}), session.WithOnEnd(rec.hook))
	require.NoError(t, err)

	s, err := m.Create("alice")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.Len())

	require.False(t, m.IsActive(s.ID))
	require.Equal(t, 0, m.Len())
	require.False(t, m.IsActive(s.ID))
	require.Equal(t, []session.Reason{session.ReasonTimeout}, rec.reasons())
}

// stalledTimers never fires timers, leaving expiry to lookups.
type stalledTimers struct{ *sessiontest.Clock }

func (stalledTimers) AfterFunc(time.Duration, func()) session.Timer { return noopTimer{} }

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }

func TestCloseIsIdempotent(t *testing.T) {
	m, clock, rec := newManager(t, time.Minute)
	s, err := m.Create("alice")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	closed, ok := m.Close(s.ID)
	require.True(t, ok)
	require.Equal(t, 10*time.Second, closed.Duration)

	_, ok = m.Close(s.ID)
	require.False(t, ok)
	require.False(t, m.IsActive(s.ID))
	require.Equal(t, []session.Reason{session.ReasonClosed}, rec.reasons())

	// the stopped timer never fires a second end
	clock.Advance(time.Hour)
	require.Equal(t, []session.Reason{session.ReasonClosed}, rec.reasons())
	require.Zero(t, clock.Pending())
}

func TestTimerEndsSessionOnce(t *testing.T) {
	m, clock, rec := newManager(t, time.Minute)
	s, err := m.Create("alice")
	require.NoError(t, err)
	done := m.Done(s.ID)

	clock.Advance(2 * time.Minute)
	select {
	case <-done:
	default:
		t.Fatal("done channel not closed after timeout")
	}
	_, ok := m.Close(s.ID)
	require.False(t, ok)
	require.Equal(t, []session.Reason{session.ReasonTimeout}, rec.reasons())
}

func TestDoneUnknownSession(t *testing.T) {
	m, _, _ := newManager(t, time.Minute)
	select {
	case <-m.Done("missing"):
	default:
		t.Fatal("expected closed channel for unknown session")
	}
}

func TestConcurrentCloseAndTimeout(t *testing.T) {
	var ends atomic.Int32
	m, err := session.NewManager(
		session.WithTimeout(time.Millisecond),
		session.WithOnEnd(func(session.Session, session.Reason) { ends.Add(1) }),
	)
	require.NoError(t, err)

	const n = 50
	ids := make([]string, n)
	for i := range ids {
		s, err := m.Create("alice")
		require.NoError(t, err)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for range 3 {
			wg.Add(2)
			go func() {
				defer wg.Done()
				m.Close(id)
			}()
			go func() {
				defer wg.Done()
				m.IsActive(id)
			}()
		}
	}
	wg.Wait()
	for _, id := range ids {
		<-m.Done(id)
	}
	require.Equal(t, int32(n), ends.Load())
}

func TestShutdown(t *testing.T) {
	m, clock, rec := newManager(t, time.Minute)
	for _, owner := range []string{"alice", "bob"} {
		_, err := m.Create(owner)
		require.NoError(t, err)
	}
	m.Shutdown()
	require.Equal(t, 0, m.Len())
	require.Equal(t, []session.Reason{session.ReasonClosed, session.ReasonClosed}, rec.reasons())
	require.Zero(t, clock.Pending())

	_, err := m.Create("carol")
	require.ErrorIs(t, err, session.ErrShutdown)
}

func TestReasonString(t *testing.T) {
	require.Equal(t, "closed", session.ReasonClosed.String())
	require.Equal(t, "timeout", session.ReasonTimeout.String())
}
