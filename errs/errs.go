// Package errs provides structured error types and helpers for Weaver services.
package errs

import (
	"errors"
	"strings"
)

// Code identifies an error category recognised across the Weaver core.
type Code string

const (
	// CodeValidation indicates invalid input shape or range supplied by the caller.
	CodeValidation Code = "validation"
	// CodeNotFound indicates a missing run, order, or record.
	CodeNotFound Code = "not_found"
	// CodeIllegalTransition indicates a lifecycle transition that is not permitted.
	CodeIllegalTransition Code = "illegal_transition"
	// CodeIdempotencyReplay indicates a duplicate submission that returned prior state.
	CodeIdempotencyReplay Code = "idempotency_replay"
	// CodeTimeout indicates an adapter or storage call exceeded its deadline.
	CodeTimeout Code = "transport_timeout"
	// CodeRejected indicates the exchange refused the request.
	CodeRejected Code = "adapter_rejected"
	// CodeStorage indicates a persistence write failed.
	CodeStorage Code = "storage_failure"
	// CodeSubscriber indicates a subscriber callback failed during dispatch.
	CodeSubscriber Code = "subscriber_failure"
	// CodeRunFailure indicates an unhandled failure inside a run's tick loop.
	CodeRunFailure Code = "run_failure"
	// CodeNotConnected indicates the execution service has no adapter session.
	CodeNotConnected Code = "not_connected"
	// CodeUnavailable indicates the component is shut down or not ready.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Weaver stack.
type E struct {
	Op      string
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{Op: strings.TrimSpace(op), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// Error renders the envelope as "op: code: message (cause)".
func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(" (")
		b.WriteString(e.cause.Error())
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the Weaver code from err, walking the unwrap chain.
// Errors outside the taxonomy report an empty Code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
