package recovery

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means not enough responsive or valid sources were found.
	// It is never cached: a later attempt may succeed.
	ErrUnavailable = errors.New("data unavailable")

	// ErrInvalid means data was reconstructed but failed root or hash verification.
	// It is cached because the committed root cannot change.
	ErrInvalid = errors.New("recovered data is invalid")

	// ErrChannelClosed means an internal channel broke, usually because the subsystem stopped.
	ErrChannelClosed = errors.New("internal channel closed")

	// ErrSessionInfoUnavailable means the session provider could not describe the session.
	ErrSessionInfoUnavailable = errors.New("session info unavailable")
)

// RequestErrorKind classifies a failed peer request.
type RequestErrorKind int

const (
	// KindInvalidResponse is a response that could not be decoded. Fatal for that validator.
	KindInvalidResponse RequestErrorKind = iota
	// KindNetwork is a transport failure or timeout. Retried a bounded number of times.
	KindNetwork
	// KindCanceled is a request dropped before completion. Retried like KindNetwork.
	KindCanceled
)

// String returns the kind name.
func (k RequestErrorKind) String() string {
	switch k {
	case KindInvalidResponse:
		return "invalid_response"
	case KindNetwork:
		return "network"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RequestError is returned by a Network when a request fails.
type RequestError struct {
	Kind RequestErrorKind // Kind decides whether the validator may be retried
	Err  error            // Err is the underlying cause
}

// Error implements error.
func (e *RequestError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}

	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// requestErrorKind classifies any error returned by a Network.
// Errors that are not a RequestError count as network failures.
func requestErrorKind(err error) RequestErrorKind {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	return KindNetwork
}

// isTimeout reports whether a request failed by running out of time.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
