// Package apierr defines the closed set of error kinds the control plane
// surfaces to callers, each carrying an HTTP status and a message safe to
// return verbatim in a response body.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy's closed set of error categories.
type Kind string

const (
	InvalidInput           Kind = "invalid_input"
	Unauthenticated         Kind = "unauthenticated"
	Forbidden               Kind = "forbidden"
	NotFound                Kind = "not_found"
	QuotaExceeded           Kind = "quota_exceeded"
	ContainerStartupFailed  Kind = "container_startup_failed"
	ExposeFailed            Kind = "expose_failed"
	NoPortsAvailable        Kind = "no_ports_available"
	Degraded                Kind = "degraded"
	UnsupportedLanguage     Kind = "unsupported_language"
	InvalidCredentials      Kind = "invalid_credentials"
)

var statusByKind = map[Kind]int{
	InvalidInput:           http.StatusBadRequest,
	Unauthenticated:        http.StatusUnauthorized,
	Forbidden:              http.StatusForbidden,
	NotFound:               http.StatusNotFound,
	QuotaExceeded:          http.StatusTooManyRequests,
	ContainerStartupFailed: http.StatusInternalServerError,
	ExposeFailed:           http.StatusInternalServerError,
	NoPortsAvailable:       http.StatusInternalServerError,
	Degraded:               http.StatusServiceUnavailable,
	UnsupportedLanguage:    http.StatusBadRequest,
	InvalidCredentials:     http.StatusUnauthorized,
}

// Error is a typed, HTTP-status-bearing error. Message is safe to return to
// the caller; it never contains container ids or stack traces.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.err }

// Status returns the HTTP status code for e's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an *Error with a safe message and no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that wraps cause; cause is never included in
// Message, only reachable via errors.Unwrap for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, err: cause}
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusAndMessage unwraps err to an HTTP status code and a safe message.
// Unrecognized errors map to 500 with a generic message.
func StatusAndMessage(err error) (int, string) {
	if e, ok := As(err); ok {
		return e.Status(), e.Message
	}
	return http.StatusInternalServerError, "internal error"
}
