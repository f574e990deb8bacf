// Package identity describes the external user-identity service the proxy
// and the desktop client depend on.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidToken means the backend rejected the bearer or refresh token
	ErrInvalidToken = errors.New("identity: token rejected")
	// ErrProfileNotFound means the user has no profile record
	ErrProfileNotFound = errors.New("identity: profile not found")
	// ErrMalformedResponse means a 2xx body was missing required fields
	ErrMalformedResponse = errors.New("identity: malformed response")
)

// User is the identity backend's view of an account.
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified,omitempty"`
	CreatedAt     string `json:"createdAt,omitempty"`
}

type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Session is an access/refresh token pair plus the user it belongs to.
type Session struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is set when the backend reports expiry out of band; zero otherwise
	ExpiresAt time.Time
	User      *User
}

// Backend is implemented by every identity service the proxy can front.
type Backend interface {
	// CurrentUser introspects accessToken and returns its owner.
	CurrentUser(ctx context.Context, accessToken string) (*User, error)
	// Profile looks up the display profile of userID.
	Profile(ctx context.Context, userID string) (*Profile, error)
	// Refresh trades refreshToken for a new session.
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("identity backend returned %d: %s", e.StatusCode, e.Message)
}

// Rejected reports whether the backend refused the credential itself (400/401/403).
func (e *StatusError) Rejected() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// TransportError wraps failures that never produced an HTTP response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("identity backend %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a network level failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Message returns the backend supplied message of err, falling back to err.Error().
func Message(err error) string {
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

// DisplayName returns the profile name of user, or the email when the
// profile is missing or unnamed. Profile failures are not fatal.
func DisplayName(ctx context.Context, b Backend, user *User) string {
	if user == nil {
		return ""
	}
	if user.ID != "" {
		if p, err := b.Profile(ctx, user.ID); err == nil && p != nil && p.Name != "" {
			return p.Name
		}
	}
	return user.Email
}
