package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a provider failure. The kind determines whether
// the caller may retry and which user-facing message to show.
type ErrorKind string

const (
	KindAuth           ErrorKind = "auth"
	KindRateLimit      ErrorKind = "rate_limit"
	KindNetwork        ErrorKind = "network"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindServer         ErrorKind = "server"
	KindAborted        ErrorKind = "aborted"
	KindUnknown        ErrorKind = "unknown"
)

// Error is a classified provider error. Classification happens exactly
// once, at the provider boundary; everything above switches on Kind or
// Retryable without re-parsing messages.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

// NewError constructs a classified error. Retryability follows the kind:
// rate_limit, network, and server errors are retryable; everything else
// is not.
func NewError(kind ErrorKind, message string) *Error {
	retryable := kind == KindRateLimit || kind == KindNetwork || kind == KindServer
	return &Error{Kind: kind, Message: message, Retryable: retryable}
}

// AuthError reports a missing or rejected credential.
func AuthError(message string) *Error { return NewError(KindAuth, message) }

// IsRetryable reports whether err is a classified error that may be
// retried. Unclassified errors are never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns the classification of err, or KindUnknown for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classifyStatus maps an HTTP status from the provider to an error kind.
func classifyStatus(status int, body string) *Error {
	switch {
	case status == 401 || status == 403:
		return NewError(KindAuth, "invalid API key")
	case status == 400:
		return NewError(KindInvalidRequest, fmt.Sprintf("invalid request: %s", body))
	case status == 429:
		return NewError(KindRateLimit, "rate limited by provider")
	case status >= 500 && status < 600:
		return NewError(KindServer, fmt.Sprintf("provider server error (%d)", status))
	default:
		return NewError(KindUnknown, fmt.Sprintf("provider error %d: %s", status, body))
	}
}

// classifyTransport maps a transport-level failure to an error kind.
// Context cancellation becomes an aborted error so callers can resolve
// it as a benign outcome instead of a failure.
func classifyTransport(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindNetwork, "request timed out")
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return NewError(KindAborted, "request cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(KindNetwork, fmt.Sprintf("network error: %v", err))
	}
	// http.Client wraps dial failures in *url.Error; treat anything that
	// never produced a response as a network problem.
	return NewError(KindNetwork, fmt.Sprintf("request failed: %v", err))
}
