package errors

import (
	"errors"
	"fmt"
)

// Common error types shared by the proxy and the client
var (
	// Request errors
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidRedirectURI = errors.New("invalid redirect URI")

	// Flow errors
	ErrInvalidState             = errors.New("invalid state")
	ErrStateExpired             = errors.New("state expired")
	ErrInvalidAuthorizationCode = errors.New("invalid authorization code")
	ErrCodeUsed                 = errors.New("authorization code already used")
	ErrCodeExpired              = errors.New("authorization code expired")
	ErrInvalidCodeChallenge     = errors.New("invalid code challenge")

	// Token errors
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// General errors
	ErrNotFound    = errors.New("not found")
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// New is errors.New, re-exported so callers only import one errors package
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
