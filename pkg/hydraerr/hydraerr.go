// Package hydraerr defines the four error kinds the control plane surfaces
// to callers: InputError, PreconditionError, TransientError and
// OperationError. Each carries a stable short code so the HTTP layer (C11)
// can report a consistent status and message without leaking stack traces.
package hydraerr

import "fmt"

// Kind classifies an error for HTTP status mapping and retry behavior.
type Kind string

const (
	KindInput        Kind = "input"
	KindPrecondition Kind = "precondition"
	KindTransient    Kind = "transient"
	KindOperation    Kind = "operation"
)

// Error is a hydra control-plane error: a kind, a stable short code, a
// subsystem name and a human message. It never carries a stack trace.
type Error struct {
	kind      Kind
	Code      string
	Subsystem string
	Message   string
	cause     error
}

func (e *Error) Error() string {
	if e.Subsystem != "" {
		return fmt.Sprintf("%s: %s", e.Subsystem, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Kind reports the error's classification.
func (e *Error) Kind() Kind { return e.kind }

func newErr(kind Kind, code, subsystem, message string, cause error) *Error {
	return &Error{kind: kind, Code: code, Subsystem: subsystem, Message: message, cause: cause}
}

// Input reports a validation failure, reserved-endpoint/port violation,
// over-quota request, malformed identifier, unknown node, or duplicate
// pending request — surfaced as 4xx.
func Input(code, subsystem, message string) *Error {
	return newErr(KindInput, code, subsystem, message, nil)
}

// Precondition reports "not authenticated", "not approved" or "container
// not initialized before start" — surfaced as 409/403, never retried.
func Precondition(code, subsystem, message string) *Error {
	return newErr(KindPrecondition, code, subsystem, message, nil)
}

// Transient reports an orchestrator 5xx/timeout or a data-copy job still
// running under its deadline. Callers retry with bounded exponential
// backoff (see pkg/retry); if the deadline elapses, wrap as Operation.
func Transient(code, subsystem, message string, cause error) *Error {
	return newErr(KindTransient, code, subsystem, message, cause)
}

// Operation reports an unrecoverable backend failure, a non-zero copy-job
// exit, or a deadline exceeded — surfaced as 5xx with an identifier, logged
// with category=error.
func Operation(code, subsystem, message string, cause error) *Error {
	return newErr(KindOperation, code, subsystem, message, cause)
}

// AsHydraError unwraps err looking for an *Error, returning (nil, false)
// if none is found anywhere in the chain.
func AsHydraError(err error) (*Error, bool) {
	for err != nil {
		if he, ok := err.(*Error); ok {
			return he, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Stage converts a Transient error into an Operation error once its
// deadline has elapsed — the "if the deadline elapses, converted to
// OperationError" rule in spec.md §7.
func (e *Error) Stage() *Error {
	if e.kind != KindTransient {
		return e
	}
	return newErr(KindOperation, e.Code, e.Subsystem, e.Message+": deadline exceeded", e.cause)
}
