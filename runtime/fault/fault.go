// Package fault provides the error taxonomy shared by the runtime
// components. A Fault carries a classification Kind alongside the message
// and causal chain so callers can decide between retry, fallback, and
// terminal handling with errors.As instead of string matching.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind string

const (
	// KindTransient covers KV/DB timeouts, backend 5xx, connection resets,
	// and rate-limit 429s. Retried with backoff behind a circuit breaker.
	KindTransient Kind = "transient"
	// KindOverload is the provider-overloaded signal (Anthropic 529 and
	// equivalents). Retryable after rerouting to a fallback model route.
	KindOverload Kind = "overload"
	// KindToolPairing marks provider 400s citing mismatched tool_call_ids.
	// Retried with progressively stripped tool content.
	KindToolPairing Kind = "tool_pairing"
	// KindValidation covers permanent bad requests: blank content,
	// unsupported features, malformed input. Never retried.
	KindValidation Kind = "validation"
	// KindInsufficientCredits stops the run with a structured message and
	// never reaches the DLQ.
	KindInsufficientCredits Kind = "insufficient_credits"
	// KindPersistence marks a message or deduction write that failed after
	// retries and was pushed to the DLQ.
	KindPersistence Kind = "persistence"
	// KindCanceled is cooperative cancellation. Not an error condition:
	// buffers drain, the run is marked stopped, the lease is released.
	KindCanceled Kind = "canceled"
	// KindCircuitOpen short-circuits calls while a backend breaker is open.
	KindCircuitOpen Kind = "circuit_open"
	// KindUnknown is the default for unclassified failures. Not retried.
	KindUnknown Kind = "unknown"
)

// Fault is a classified error. It preserves the cause chain for
// errors.Is/As while exposing the Kind for control flow.
type Fault struct {
	// Kind is the failure classification.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying error, if any.
	Cause error
}

// New constructs a Fault with the provided kind and message.
func New(kind Kind, message string) *Fault {
	if message == "" {
		message = string(kind)
	}
	return &Fault{Kind: kind, Message: message}
}

// Newf constructs a Fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs a Fault that wraps an underlying error. A nil cause
// returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, message string, cause error) *Fault {
	if cause == nil {
		return nil
	}
	if message == "" {
		message = cause.Error()
	}
	return &Fault{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	if f.Cause != nil {
		return f.Message + ": " + f.Cause.Error()
	}
	return f.Message
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// Classify returns the Kind of err. Faults report their own kind; context
// cancellation maps to KindCanceled, deadline expiry to KindTransient;
// everything else is KindUnknown. Components classify at the boundary where
// the failure originates, so Classify rarely needs to guess.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// Retryable reports whether err is worth retrying with backoff. Overload is
// retryable only after the caller reroutes; IsOverload distinguishes it.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindOverload:
		return true
	default:
		return false
	}
}

// IsOverload reports whether err carries the provider-overloaded signal.
func IsOverload(err error) bool {
	return Classify(err) == KindOverload
}

// IsToolPairing reports whether err is a tool-call pairing breach.
func IsToolPairing(err error) bool {
	return Classify(err) == KindToolPairing
}

// IsCanceled reports whether err represents cooperative cancellation.
func IsCanceled(err error) bool {
	return Classify(err) == KindCanceled
}
