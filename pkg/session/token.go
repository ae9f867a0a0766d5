package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// exp has one-second resolution, so allow a second of slack; Authorize still
// consults the session table for the exact deadline.
const tokenLeeway = time.Second

// Token issues an HS256 token naming s. The token is only as good as the
// session: Authorize rejects it once s ends.
func (m *Manager) Token(s Session) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        s.ID,
		Subject:   s.Owner,
		IssuedAt:  jwt.NewNumericDate(s.Start),
		ExpiresAt: jwt.NewNumericDate(s.ExpiresAt()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.tokenKey)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return signed, nil
}

// Authorize verifies token and returns the live session it names.
func (m *Manager) Authorize(token string) (Session, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return m.tokenKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithTimeFunc(m.clock.Now),
	)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	s, ok := m.Lookup(claims.ID)
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Owner != claims.Subject {
		return Session{}, fmt.Errorf("%w: subject does not match session", ErrInvalidToken)
	}
	return s, nil
}
