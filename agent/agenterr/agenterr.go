// Package agenterr defines the engine's error taxonomy. Errors are
// classified by semantics, not by Go type name, chaining causes onto a
// small set of categories the way package toolerrors does.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error into one of the recoverability buckets
// described by the completion and retry design.
type Kind string

const (
	// KindConfiguration marks an invalid or incomplete AgentDefinition or
	// StepRegistry. Not recoverable; rejects the run before the loop begins.
	KindConfiguration Kind = "configuration"
	// KindResolution marks a prompt that could not be resolved to any
	// source (file, fallback library, or generic template).
	KindResolution Kind = "resolution"
	// KindTransport marks an SDK bridge failure (connection, rate limit,
	// session expiry). Recoverable by the Runner's retry/backoff policy.
	KindTransport Kind = "transport"
	// KindFormatValidation marks a structured-output format failure.
	// Recoverable via the format-retry budget.
	KindFormatValidation Kind = "format_validation"
	// KindCompletionValidation marks a failed completion-condition
	// validator. Recoverable via the condition-retry budget.
	KindCompletionValidation Kind = "completion_validation"
	// KindLoop marks the step-loop guard or an iteration-budget ceiling.
	// Not recoverable.
	KindLoop Kind = "loop"
	// KindCancellation marks an externally requested cancellation. Not
	// recoverable.
	KindCancellation Kind = "cancellation"
)

// Error is the engine's structured error type. It always carries a Kind so
// callers can branch on recoverability without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new Error of the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Recoverable reports whether errors of this kind are recoverable by a
// retry/backoff policy rather than fatal to the run.
func (k Kind) Recoverable() bool {
	switch k {
	case KindTransport, KindFormatValidation, KindCompletionValidation:
		return true
	default:
		return false
	}
}

// As is a thin convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
