// Package buserrors provides structured error types for the event bus
// failure taxonomy. BusError preserves error chains and supports
// errors.Is/As while carrying a stable Code so callers can switch on the
// failure kind without parsing Message strings.
package buserrors

import (
	"errors"
	"fmt"
)

// Code enumerates the event bus failure taxonomy.
type Code string

const (
	// CodeDegraded marks a non-fatal subsystem failure.
	CodeDegraded Code = "degraded"
	// CodeFrontdoorDrop marks an emit attempt bypassing the persona frontdoor.
	CodeFrontdoorDrop Code = "persona_frontdoor_drop"
	// CodeBackpressureDrop marks a subscriber queue overflow.
	CodeBackpressureDrop Code = "backpressure_drop"
	// CodeGuardrailsViolation marks a sanitized payload violation.
	CodeGuardrailsViolation Code = "guardrails_violation"
	// CodeGraphUnavailable marks the graph store as unreachable.
	CodeGraphUnavailable Code = "graph_unavailable"
	// CodeGraphQueryFailed marks a failed graph read.
	CodeGraphQueryFailed Code = "graph_query_failed"
)

// BusError represents a structured event-bus failure that preserves message,
// code, and causal context while still implementing the standard error
// interface. Errors may be nested via Cause to retain diagnostics across
// layers (store -> frontdoor -> caller).
type BusError struct {
	// Code classifies the failure for counters/telemetry tags.
	Code Code
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying error, enabling error chains with
	// errors.Is/As.
	Cause error
}

// New constructs a BusError with the given code and message.
func New(code Code, message string) *BusError {
	return &BusError{Code: code, Message: message}
}

// Wrap constructs a BusError with the given code that wraps cause.
func Wrap(code Code, message string, cause error) *BusError {
	return &BusError{Code: code, Message: message, Cause: cause}
}

// Errorf formats according to a format specifier and returns a BusError of
// the given code.
func Errorf(code Code, format string, args ...any) *BusError {
	return New(code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *BusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *BusError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CodeOf returns the Code carried by err, if err is (or wraps) a *BusError,
// and ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var be *BusError
	if errors.As(err, &be) {
		return be.Code, true
	}
	return "", false
}
