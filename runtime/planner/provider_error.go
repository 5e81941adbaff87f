package planner

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies provider failures into the categories retry logic
// cares about.
type ErrorKind string

const (
	// KindAuth indicates authentication or authorization failures.
	KindAuth ErrorKind = "auth"

	// KindInvalidRequest indicates the request is malformed and retrying
	// unchanged cannot succeed.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindRateLimited indicates the provider is throttling requests.
	KindRateLimited ErrorKind = "rate_limited"

	// KindUnavailable indicates a transient provider failure where a retry
	// may succeed.
	KindUnavailable ErrorKind = "unavailable"

	// KindUnknown indicates an unclassified provider failure.
	KindUnknown ErrorKind = "unknown"
)

// ProviderError carries structured detail about a provider failure so
// callers can branch on kind without parsing messages.
type ProviderError struct {
	provider  string
	operation string
	status    int
	kind      ErrorKind
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. The provider name is
// required; an empty kind becomes KindUnknown.
func NewProviderError(provider, operation string, status int, kind ErrorKind, retryable bool, cause error) *ProviderError {
	if provider == "" {
		panic("planner: provider is required")
	}
	if kind == "" {
		kind = KindUnknown
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		status:    status,
		kind:      kind,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier, for example "bedrock".
func (e *ProviderError) Provider() string { return e.provider }

// Operation returns the provider operation when known, for example
// "chat_completion".
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the provider HTTP status when available, otherwise 0.
func (e *ProviderError) HTTPStatus() int { return e.status }

// Kind returns the coarse failure classification.
func (e *ProviderError) Kind() ErrorKind { return e.kind }

// Retryable reports whether retrying unchanged may succeed.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	msg := "provider error"
	if e.cause != nil {
		msg = e.cause.Error()
	}
	if e.status > 0 {
		return fmt.Sprintf("%s %s (%s, http %d): %s", e.provider, op, e.kind, e.status, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.provider, op, e.kind, msg)
}

// Unwrap preserves the original error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// ClassifyStatus maps an HTTP status to an error kind and retryability.
func ClassifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth, false
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindInvalidRequest, false
	case status >= http.StatusInternalServerError && status <= http.StatusNetworkAuthenticationRequired:
		return KindUnavailable, true
	default:
		return KindUnknown, false
	}
}

// WrapError builds the error adapters return for a failed provider call.
// Rate-limited failures additionally join ErrRateLimited so both
// errors.Is(err, ErrRateLimited) and errors.As into *ProviderError hold.
func WrapError(provider, operation string, status int, cause error) error {
	kind, retryable := ClassifyStatus(status)
	pe := NewProviderError(provider, operation, status, kind, retryable, cause)
	if kind == KindRateLimited {
		return errors.Join(ErrRateLimited, pe)
	}
	return pe
}
