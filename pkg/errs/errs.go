// Package errs defines the error taxonomy shared across the repair engine.
//
// Every fallible boundary (LLM, source host, sandbox, store) classifies its
// failures into one of the kinds below so that callers can decide between
// retry, feedback, and session failure without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

// Error kinds.
const (
	KindConfig            Kind = "config"             // invalid configuration; fatal at startup
	KindTransport         Kind = "transport"          // 5xx / network failures; retried with backoff
	KindClient            Kind = "client"             // 4xx / not-found; never retried
	KindTimeout           Kind = "timeout"            // deadline exceeded
	KindResourceExhausted Kind = "resource_exhausted" // sandbox over critical limits
	KindCommandNotFound   Kind = "command_not_found"  // exit 127 or equivalent
	KindHallucination     Kind = "hallucination"      // referenced a path that does not exist
	KindValidation        Kind = "validation"         // LLM output failed schema validation
	KindCancelled         Kind = "cancelled"          // orchestrator stop
	KindOverloaded        Kind = "overloaded"         // admission queue saturated
	KindInternal          Kind = "internal"
)

// Error carries a kind alongside a message and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// E constructs a typed error.
func E(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Ef constructs a typed error with a formatted message and no cause.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the error should be retried with backoff.
// Only transport-level failures qualify; client errors and validation
// failures are terminal for the attempt that produced them.
func Retryable(err error) bool {
	return IsKind(err, KindTransport)
}
