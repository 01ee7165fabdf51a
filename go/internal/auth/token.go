package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMalformedToken = errors.New("malformed token")

// Token is the bearer credential of the authenticated user. The client cannot verify the
// signature; claims are read only to know who is signed in and when the session ends.
type Token struct {
	Raw       string
	Subject   string
	ExpiresAt time.Time
}

// Parse reads the subject and expiry from a JWT without verifying it.
func Parse(raw string) (*Token, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedToken)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	tok := &Token{Raw: raw, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		tok.ExpiresAt = claims.ExpiresAt.Time
	}
	return tok, nil
}

// Expired reports whether the token has an expiry and it is at or before now.
func (t *Token) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Header returns the Authorization header value.
func (t *Token) Header() string {
	if t == nil || t.Raw == "" {
		return ""
	}
	return "Bearer " + t.Raw
}
