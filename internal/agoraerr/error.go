// Package agoraerr provides the structured error taxonomy shared by every
// Agora Marketplace component. Errors preserve cause chains so callers can use
// errors.Is/As while keeping a stable, wire-safe Kind for clients.
package agoraerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the fixed error taxonomy. Every failure surfaced by the
// core is categorized into exactly one Kind.
type Kind string

const (
	// IdentitySpoofingError means a verified identity did not match the
	// identity claimed by the caller. Fatal to the request; always audited.
	IdentitySpoofingError Kind = "IdentitySpoofingError"
	// PermissionDenied means the caller's authority level is insufficient
	// for the requested operation.
	PermissionDenied Kind = "PermissionDenied"
	// NotFound means the referenced entity does not exist.
	NotFound Kind = "NotFound"
	// InvalidArgument means the request is malformed, has an unknown enum
	// value, or is missing a required field.
	InvalidArgument Kind = "InvalidArgument"
	// InvalidTransitionError means a state-machine transition was rejected.
	InvalidTransitionError Kind = "InvalidTransitionError"
	// Conflict means a unique-key violation or an idempotency collision
	// with a different payload.
	Conflict Kind = "Conflict"
	// DeadlineExceeded means the per-request deadline elapsed before commit.
	DeadlineExceeded Kind = "DeadlineExceeded"
	// Overloaded means a reducer or subscriber queue is full. Retryable.
	Overloaded Kind = "Overloaded"
	// IdGenerationError means the entropy source for identifier generation
	// was unavailable. Retryable.
	IdGenerationError Kind = "IdGenerationError"
	// CursorExpired means a subscriber cursor predates the retention
	// horizon and must resynchronize via a full read of current state.
	CursorExpired Kind = "CursorExpired"
	// Halted means an emergency halt is in force and only user operations
	// are accepted.
	Halted Kind = "Halted"
	// Internal is any unclassified failure. Surfaces a correlation id.
	Internal Kind = "Internal"
)

// Error is the structured error type returned by every Agora component. It
// wraps an optional cause so the chain survives errors.Is/As while keeping a
// stable Kind and correlation id for operators.
type Error struct {
	Kind          Kind
	Message       string
	Correlation   string
	Cause         error
	RetryableHint bool
}

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, RetryableHint: retryableByDefault(kind)}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap builds an Error of the given kind that chains an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause, RetryableHint: retryableByDefault(kind)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the client library should retry the request that
// produced this error.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.RetryableHint
}

// WithCorrelation attaches a correlation id for operator lookup in the audit
// log and returns the same Error for chaining.
func (e *Error) WithCorrelation(id string) *Error {
	e.Correlation = id
	return e
}

func retryableByDefault(kind Kind) bool {
	switch kind {
	case Overloaded, IdGenerationError:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind from err, returning Internal if err is not (or
// does not wrap) an *Error.
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

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
