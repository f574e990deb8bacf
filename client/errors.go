package client

import (
	"errors"
	"fmt"
)

var ErrMalformedToken = errors.New("client: invalid token format")

// AuthInvalidTokenError is a permanent refresh failure. The user must sign in again.
type AuthInvalidTokenError struct {
	Message string
	Err     error
}

func (e *AuthInvalidTokenError) Error() string {
	return fmt.Sprintf("invalid or expired token: %s", e.Message)
}

func (e *AuthInvalidTokenError) Unwrap() error {
	return e.Err
}

// AuthNetworkError is a transient refresh failure that is safe to retry.
type AuthNetworkError struct {
	Message string
	Err     error
}

func (e *AuthNetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth network error: %s: %v", e.Message, e.Err)
	}
	return "auth network error: " + e.Message
}

func (e *AuthNetworkError) Unwrap() error {
	return e.Err
}

func IsInvalidToken(err error) bool {
	var e *AuthInvalidTokenError
	return errors.As(err, &e)
}

func IsNetwork(err error) bool {
	var e *AuthNetworkError
	return errors.As(err, &e)
}
