// Package errs defines the typed error taxonomy surfaced to clients on frame
// responses and on the configuration API. Every error can carry the tenant and
// correlation context it occurred under so handlers never have to re-derive it.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an error class in the taxonomy.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeInvalid         Code = "INVALID"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeBackpressure    Code = "BACKPRESSURE"
	CodeConflict        Code = "CONFLICT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeInternal        Code = "INTERNAL"
)

// Error is a taxonomy error with tenant and correlation context.
type Error struct {
	Code          Code          `json:"code"`
	Message       string        `json:"message"`
	OrgID         string        `json:"org_id,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	RetryAfter    time.Duration `json:"retry_after,omitempty"`
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithOrg returns a copy scoped to an organization.
func (e *Error) WithOrg(orgID string) *Error {
	clone := *e
	clone.OrgID = orgID
	return &clone
}

// WithCorrelation returns a copy carrying the caller's correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	clone := *e
	clone.CorrelationID = id
	return &clone
}

// WithCause returns a copy wrapping an underlying error.
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.cause = err
	return &clone
}

// New creates a taxonomy error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a taxonomy error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Constructors for the common classes.

func Unauthenticated(message string) *Error { return New(CodeUnauthenticated, message) }
func Forbidden(message string) *Error       { return New(CodeForbidden, message) }
func Invalid(message string) *Error         { return New(CodeInvalid, message) }
func QuotaExceeded(message string) *Error   { return New(CodeQuotaExceeded, message) }
func Backpressure(message string) *Error    { return New(CodeBackpressure, message) }
func Conflict(message string) *Error        { return New(CodeConflict, message) }
func Unavailable(message string) *Error     { return New(CodeUnavailable, message) }
func Internal(message string) *Error        { return New(CodeInternal, message) }

// RateLimited creates a rate-limit error with a retry-after hint.
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: message, RetryAfter: retryAfter}
}

// CodeOf extracts the taxonomy code from any error; unrecognized errors are
// classified as Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// As unwraps an error into a taxonomy error if possible.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a taxonomy code to an HTTP status for the config API.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeBackpressure:
		return http.StatusServiceUnavailable
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
