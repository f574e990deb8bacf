// Package jwtclaims reads JWT payloads without verifying signatures.
//
// The result is only ever used for display and cache-expiry decisions.
// Trust decisions go to the identity backend.
package jwtclaims

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLifetime applies when a token carries no usable exp claim.
const DefaultTokenLifetime = 15 * time.Minute

// Claims are the fields the auth flow reads from an access token.
type Claims struct {
	jwt.RegisteredClaims
	Email      string `json:"email,omitempty"`
	SessionID  string `json:"sid,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Parse decodes the payload of token without checking its signature.
func Parse(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("[jwtclaims.Parse] failed to decode token: %w", err)
	}
	return claims, nil
}

// ParseOrEmpty is Parse with failures mapped to an empty claim set.
func ParseOrEmpty(token string) *Claims {
	if token == "" {
		return &Claims{}
	}
	claims, err := Parse(token)
	if err != nil {
		return &Claims{}
	}
	return claims
}

// ExpiresAt returns the exp claim, or now+DefaultTokenLifetime when absent or unreadable.
func ExpiresAt(token string, now time.Time) time.Time {
	claims, err := Parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return now.Add(DefaultTokenLifetime)
	}
	return claims.ExpiresAt.Time
}

// TimeUntilExpiry is the remaining validity of token, zero when no exp is present.
func TimeUntilExpiry(token string, now time.Time) time.Duration {
	claims, err := Parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Sub(now)
}

// HasJWTShape reports whether s has three dot separated segments.
func HasJWTShape(s string) bool {
	return len(strings.Split(s, ".")) == 3
}

// LooksLikeJWT is HasJWTShape plus the base64url prefix of a JSON header.
func LooksLikeJWT(s string) bool {
	return strings.HasPrefix(s, "eyJ") && HasJWTShape(s)
}
