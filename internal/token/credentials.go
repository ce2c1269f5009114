// Package token keeps each region's bearer token current. Tokens come from
// credential artifacts written by an external bootstrap, are mirrored into
// the record store, and are refreshed before expiry or after a 401.
package token

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredentials is returned when no usable token exists for a region.
var ErrNoCredentials = errors.New("token: no credentials")

// Credentials is one region's resolved auth material.
type Credentials struct {
	JWT       string
	XSRF      string
	ExpiresAt time.Time // zero when unknown
	Source    string    // artifact file name or "store"
	LoadedAt  time.Time
}

// Headers returns the request headers for an authenticated upstream call.
func (c Credentials) Headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.JWT)
	h.Set("Accept", "application/json")
	if c.XSRF != "" {
		h.Set("X-XSRF-TOKEN", c.XSRF)
	}
	return h
}

// Expired reports whether the known expiry has passed.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ExpiryOf decodes the exp claim without verifying the signature.
func ExpiryOf(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func stripBearer(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 7 && strings.EqualFold(s[:7], "bearer ") {
		s = strings.TrimSpace(s[7:])
	}
	return s
}
