package proxy

import (
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/jrsteele09/go-auth-proxy/internal/errors"
)

// Error codes returned in the "error" field of failed responses.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeStorageError        = "storage_error"
	CodeInvalidState        = "invalid_state"
	CodeInvalidToken        = "invalid_token"
	CodeInvalidCode         = "invalid_code"
	CodeCodeUsed            = "code_used"
	CodeCodeExpired         = "code_expired"
	CodeRedirectURIMismatch = "redirect_uri_mismatch"
	CodePKCEFailed          = "pkce_failed"
	CodeRefreshFailed       = "refresh_failed"
	CodeUpstreamUnavailable = "upstream_unavailable"
)

// Error is a flow failure with the HTTP status it maps to. Message is safe to
// show to callers; Err carries the internal cause.
type Error struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code string, status int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Status: status, Err: cause}
}

func invalidRequest(message string) *Error {
	return newError(CodeInvalidRequest, http.StatusBadRequest, message, apperrors.ErrInvalidRequest)
}

// storageError hides cause from the caller; it is logged by the service.
func storageError(message string, cause error) *Error {
	return newError(CodeStorageError, http.StatusInternalServerError, message, withCause(apperrors.ErrInternal, cause))
}

// withCause keeps both sentinel and cause reachable through errors.Is.
func withCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

func upstreamUnavailable(cause error) *Error {
	return newError(CodeUpstreamUnavailable, http.StatusBadGateway, "Identity service unavailable", cause)
}

// AsError extracts a *Error from err, mapping anything else to a generic 500.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return newError(CodeStorageError, http.StatusInternalServerError, "Internal error", err)
}
