package provider

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vendalabs/leadpipe/internal/resilience"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindAuth        ErrorKind = "auth"
	KindQuota       ErrorKind = "quota"
	KindNotFound    ErrorKind = "not_found"
	KindRateLimited ErrorKind = "rate_limited" // rejected by our own limiter
	KindMalformed   ErrorKind = "malformed"    // unparseable provider response
	KindMissingKey  ErrorKind = "missing_key"  // entity lacks the identifier this provider needs
)

// Error is the uniform failure shape for adapter calls.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying within a pass.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// NewError builds a provider error.
func NewError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// ClassifyHTTP maps an HTTP status to an error kind. Transport errors go
// through ClassifyErr instead.
func ClassifyHTTP(provider string, status int) *Error {
	var kind ErrorKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusPaymentRequired:
		kind = KindQuota
	case status == http.StatusTooManyRequests:
		kind = KindQuota
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindUnavailable
	default:
		kind = KindMalformed
	}
	return NewError(provider, kind, fmt.Errorf("http status %d", status))
}

// ClassifyErr maps a transport-level error to an error kind.
func ClassifyErr(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if resilience.IsTransient(err) {
		return NewError(provider, KindUnavailable, err)
	}
	return NewError(provider, KindMalformed, err)
}

// KindOf extracts the error kind from any error, defaulting to unavailable.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnavailable
}
