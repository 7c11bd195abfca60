// Package apierror defines the error taxonomy shared by every component of
// webterm-hubd. Components construct an *Error with the matching
// constructor; the HTTP and WebSocket boundaries are the only places that
// translate an *Error into a wire response.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error into a small set of handling buckets.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthMissing     Kind = "auth_missing"
	KindAuthInvalid     Kind = "auth_invalid"
	KindAuthExpired     Kind = "auth_expired"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindRateLimited     Kind = "rate_limited"
	KindLockedOut       Kind = "locked_out"
	KindPty             Kind = "pty"
	KindProtocol        Kind = "protocol"
	KindInternal        Kind = "internal"
	KindSessionNotFound Kind = "session_not_found"
	KindSessionExpired  Kind = "session_expired"
	KindSessionLimit    Kind = "session_limit_exceeded"
)

// Error is the single error type all components return. Code is a stable
// machine-readable identifier sent over the wire; Message is safe to show
// to a client.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// WithRetryAfter attaches a retry-after time to the error's Details, for
// rate-limit and lockout responses.
func (e *Error) WithRetryAfter(at time.Time) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details["retry_after"] = at
	return e
}

// HTTPStatus maps the error's kind to a status code for the REST surface.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindProtocol:
		return http.StatusBadRequest
	case KindAuthMissing, KindAuthInvalid, KindAuthExpired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited, KindLockedOut, KindSessionLimit:
		return http.StatusTooManyRequests
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindSessionExpired:
		return http.StatusGone
	case KindPty:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func newErr(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

func Invalid(message string, cause error) *Error {
	return newErr(KindValidation, "VALIDATION_ERROR", message, cause)
}

func AuthMissing(message string) *Error {
	return newErr(KindAuthMissing, "AUTHENTICATION_REQUIRED", message, nil)
}

func AuthInvalid(message string, cause error) *Error {
	return newErr(KindAuthInvalid, "AUTHENTICATION_FAILED", message, cause)
}

func AuthExpired(message string, cause error) *Error {
	return newErr(KindAuthExpired, "TOKEN_EXPIRED", message, cause)
}

func WrongIssuer(iss string) *Error {
	return newErr(KindAuthInvalid, "UNKNOWN_ISSUER", "no provider configured for issuer "+iss, nil)
}

func KeyUnavailable(kid string, cause error) *Error {
	return newErr(KindAuthInvalid, "KEY_UNAVAILABLE", "no signing key available for kid "+kid, cause)
}

func Forbidden(message string) *Error {
	return newErr(KindForbidden, "FORBIDDEN", message, nil)
}

func NotFound(message string) *Error {
	return newErr(KindNotFound, "NOT_FOUND", message, nil)
}

func RateLimited(message string) *Error {
	return newErr(KindRateLimited, "RATE_LIMIT_EXCEEDED", message, nil)
}

func LockedOut(message string) *Error {
	return newErr(KindLockedOut, "LOCKED_OUT", message, nil)
}

func SessionNotFound(id string) *Error {
	return newErr(KindSessionNotFound, "SESSION_NOT_FOUND", "no session with id "+id, nil)
}

func SessionExpired(id string) *Error {
	return newErr(KindSessionExpired, "SESSION_EXPIRED", "session "+id+" expired from inactivity", nil)
}

func SessionLimitExceeded(owner string) *Error {
	return newErr(KindSessionLimit, "SESSION_LIMIT_EXCEEDED", "maximum concurrent sessions reached for "+owner, nil)
}

func PtySpawnFailed(cause error) *Error {
	return newErr(KindPty, "PTY_SPAWN_FAILED", "failed to spawn pty process", cause)
}

func PtyNotFound(id string) *Error {
	return newErr(KindPty, "PTY_NOT_FOUND", "no pty process with id "+id, nil)
}

func PtyClosed(id string) *Error {
	return newErr(KindPty, "PTY_CLOSED", "pty process "+id+" is no longer running", nil)
}

func ResizeFailed(cause error) *Error {
	return newErr(KindPty, "RESIZE_FAILED", "failed to resize pty", cause)
}

func SignalFailed(cause error) *Error {
	return newErr(KindPty, "SIGNAL_FAILED", "failed to signal pty process", cause)
}

func InvalidMessage(message string) *Error {
	return newErr(KindProtocol, "INVALID_MESSAGE", message, nil)
}

func TooLarge(maxBytes int) *Error {
	return newErr(KindProtocol, "MESSAGE_TOO_LARGE", fmt.Sprintf("frame exceeds maximum size of %d bytes", maxBytes), nil)
}

func ProtocolError(message string) *Error {
	return newErr(KindProtocol, "PROTOCOL_ERROR", message, nil)
}

func Internal(cause error) *Error {
	return newErr(KindInternal, "INTERNAL_ERROR", "internal error", cause)
}

// As is a convenience wrapper around errors.As for the common case.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
