package runner

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenMinter issues and verifies the per-run callback tokens handed to the
// external runner as a launch parameter. A token is scoped to exactly one
// run id, so a leaked token cannot post results for any other run.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenMinter creates a TokenMinter with the given HMAC secret and token lifetime.
func NewTokenMinter(secret string, ttl time.Duration) *TokenMinter {
	return &TokenMinter{secret: []byte(secret), ttl: ttl}
}

// Mint creates a signed token authorizing callbacks for runID.
func (m *TokenMinter) Mint(runID uuid.UUID) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   runID.String(),
		Issuer:    "dispatch",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("runner: sign run token: %w", err)
	}
	return signed, nil
}

// Verify parses a callback token and returns the run id it is scoped to.
func (m *TokenMinter) Verify(tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer("dispatch"),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("runner: verify run token: %w", err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return uuid.Nil, fmt.Errorf("runner: invalid run token claims")
	}
	runID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("runner: run token subject: %w", err)
	}
	return runID, nil
}
