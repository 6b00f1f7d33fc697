package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the configured access token's JWT expiry
// has passed. Calls are short-circuited locally instead of making a round
// trip guaranteed to fail with 401.
var ErrTokenExpired = errors.New("access token is expired")

// parseTokenExpiry extracts the exp claim from a JWT bearer token without
// verifying the signature (the engine is not the token's audience verifier,
// it only wants to avoid doomed requests). Opaque or malformed tokens yield
// a zero time and expiry is not enforced locally.
func parseTokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// checkToken rejects calls once the token expiry has passed.
func (c *HTTPClient) checkToken() error {
	if c.tokenExpiresAt.IsZero() {
		return nil
	}
	if c.clock.Now().After(c.tokenExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}
