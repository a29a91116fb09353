// Package chaterr defines the error taxonomy surfaced to chat clients.
package chaterr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a machine-readable error code carried in error payloads.
type Kind string

const (
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindSessionNotFound    Kind = "SESSION_NOT_FOUND"
	KindSafetyViolation    Kind = "SAFETY_VIOLATION"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindTimeout            Kind = "TIMEOUT"
	KindCancelled          Kind = "CANCELLED"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindSafetyViolation:
		return http.StatusUnprocessableEntity
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// nginx convention for a client that went away
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindServiceUnavailable, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// ClientFault reports whether the failure was caused by the request itself.
func (k Kind) ClientFault() bool {
	switch k {
	case KindInvalidRequest, KindUnauthorized, KindSessionNotFound, KindSafetyViolation, KindQuotaExceeded:
		return true
	default:
		return false
	}
}

// Error is an error that is safe to return to clients.
// Detail is client-visible; Err is kept for logs only.
type Error struct {
	Kind       Kind
	Detail     string
	Violation  string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error without an underlying cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap creates an Error that keeps err for logging.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Internal hides err behind a generic message.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Detail: "An unexpected error occurred. Please try again.", Err: err}
}

// From extracts an *Error from err, classifying unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return Internal(err)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	return From(err).Kind
}

// Payload is the JSON error body.
type Payload struct {
	Error             Kind      `json:"error"`
	Detail            string    `json:"detail"`
	Violation         string    `json:"violation,omitempty"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Payload renders the client-visible body.
func (e *Error) Payload(now time.Time) Payload {
	p := Payload{
		Error:     e.Kind,
		Detail:    e.Detail,
		Violation: e.Violation,
		Timestamp: now.UTC(),
	}
	if e.RetryAfter > 0 {
		p.RetryAfterSeconds = RetryAfterSeconds(e.RetryAfter)
	}
	return p
}

// RetryAfterSeconds rounds d up to whole seconds, minimum one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
