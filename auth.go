package huddle

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider supplies the bearer token for the current session.
// A false second return means no token is available and the caller must not connect.
type TokenProvider interface {
	CurrentToken() (string, bool)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

// CurrentToken implements TokenProvider.
func (t StaticToken) CurrentToken() (string, bool) {
	return string(t), t != ""
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func() (string, bool)

// CurrentToken implements TokenProvider.
func (f TokenFunc) CurrentToken() (string, bool) {
	return f()
}

// TokenClaims holds the parts of a bearer JWT the client cares about.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token carried an expiry that has passed.
func (c *TokenClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseTokenClaims reads the claims of a JWT without verifying its signature.
// Verification is the server's job; the client only inspects expiry and subject.
func ParseTokenClaims(token string) (*TokenClaims, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	out := &TokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
