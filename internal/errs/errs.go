// Package errs implements the orchestrator's error taxonomy (§4.1,
// §7): every failure carries a tagged Kind, a stable numeric code, a
// human message, structured context, and an optional wrapped cause.
// Kinds self-classify as retryable or terminal so RetryPolicy and
// CircuitBreaker (internal/retry, internal/breaker) never have to
// string-match error text.
package errs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is the tagged error taxonomy. The zero value is never used.
type Kind string

const (
	NotFound       Kind = "not_found"
	Invalid        Kind = "invalid"
	Unauthorized   Kind = "unauthorized"
	Conflict       Kind = "conflict"
	Exhausted      Kind = "exhausted"
	Timeout        Kind = "timeout"
	Cancelled      Kind = "cancelled"
	DependencyDown Kind = "dependency_down"
	Internal       Kind = "internal"
)

// codes assigns each Kind a stable numeric code, independent of string
// spelling, for wire-stable client handling.
var codes = map[Kind]int{
	NotFound:       1,
	Invalid:        2,
	Unauthorized:   3,
	Conflict:       4,
	Exhausted:      5,
	Timeout:        6,
	Cancelled:      7,
	DependencyDown: 8,
	Internal:       9,
}

// retryableKinds are the kinds RetryPolicy and CircuitBreaker recover
// from locally, up to their own budgets (§7 propagation policy).
// Timeout and Cancelled are retryable "by the caller of the caller",
// never by the immediate retry loop around the failing call.
var retryableKinds = map[Kind]bool{
	Conflict:       true,
	Exhausted:      true,
	DependencyDown: true,
}

// Error is the concrete error type every orchestrator component returns.
type Error struct {
	Kind          Kind
	Code          int
	Message       string
	Context       map[string]any
	Cause         error
	CorrelationID string
}

// New creates an Error of the given kind with a formatted message and a
// fresh correlation id.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:          kind,
		Code:          codes[kind],
		Message:       fmt.Sprintf(format, args...),
		CorrelationID: uuid.NewString(),
	}
}

// Wrap creates an Error of the given kind wrapping cause, preserving
// cause's correlation id if it is itself an *Error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := New(kind, format, args...)
	e.Cause = cause
	var inner *Error
	if errors.As(cause, &inner) {
		e.CorrelationID = inner.CorrelationID
	}
	return e
}

// With attaches structured context and returns e for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (code=%d, correlation=%s): %s: %v", e.Kind, e.Code, e.CorrelationID, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (code=%d, correlation=%s): %s", e.Kind, e.Code, e.CorrelationID, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the retry policy may resubmit the call that
// produced e. Timeout and Cancelled are deliberately excluded: they are
// terminal for the immediate retry loop (§4.1, §7).
func (e *Error) Retryable() bool {
	return retryableKinds[e.Kind]
}

// KindOf extracts the Kind from err, defaulting to Internal when err is
// not an *Error (e.g. it escaped from a third-party library uncaught).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// IsRetryable reports whether err, classified per KindOf, may be
// retried by policy.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Is reports whether err's Kind (per KindOf) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
