package session_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cardauth/pkg/session"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestTokenRoundTrip(t *testing.T) {
	m, _, _ := newManager(t, time.Minute, session.WithTokenKey(testKey))
	s, err := m.Create("alice")
	require.NoError(t, err)

	token, err := m.Token(s)
	require.NoError(t, err)

	got, err := m.Authorize(token)
	require.NoError(t, err)
	require.Equal(t, s.ID, got.ID)
	require.Equal(t, "alice", got.Owner)
}

func TestAuthorizeRejectsEndedSession(t *testing.T) {
	m, clock, _ := newManager(t, time.Minute, session.WithTokenKey(testKey))
	s, err := m.Create("alice")
	require.NoError(t, err)
	token, err := m.Token(s)
	require.NoError(t, err)

	m.Close(s.ID)
	_, err = m.Authorize(token)
	require.ErrorIs(t, err, session.ErrNotFound)

	s, err = m.Create("bob")
	require.NoError(t, err)
	token, err = m.Token(s)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = m.Authorize(token)
	require.ErrorIs(t, err, session.ErrInvalidToken)
}

func TestAuthorizeRejectsForeignKey(t *testing.T) {
	m, _, _ := newManager(t, time.Minute, session.WithTokenKey(testKey))
	other, _, _ := newManager(t, time.Minute, session.WithTokenKey([]byte("another key")))

	s, err := other.Create("alice")
	require.NoError(t, err)
	token, err := other.Token(s)
	require.NoError(t, err)

	_, err = m.Authorize(token)
	require.ErrorIs(t, err, session.ErrInvalidToken)
}

func TestAuthorizeRejectsOtherAlgorithms(t *testing.T) {
	m, clock, _ := newManager(t, time.Minute, session.WithTokenKey(testKey))
	s, err := m.Create("alice")
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		ID:        s.ID,
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testKey)
	require.NoError(t, err)

	_, err = m.Authorize(token)
	require.ErrorIs(t, err, session.ErrInvalidToken)
}

func TestAuthorizeRejectsSubjectMismatch(t *testing.T) {
	m, clock, _ := newManager(t, time.Minute, session.WithTokenKey(testKey))
	s, err := m.Create("alice")
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		ID:        s.ID,
		Subject:   "mallory",
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	require.NoError(t, err)

	_, err = m.Authorize(token)
	require.ErrorIs(t, err, session.ErrInvalidToken)
}
