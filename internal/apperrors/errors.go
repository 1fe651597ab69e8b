// Package apperrors implements the error taxonomy from spec §7:
// TransportError (external I/O), ParseError (malformed response from an
// external system), ConfigurationMissing (sink or LLM not configured,
// downgraded to a no-op, never fatal), StateError (invariant violation,
// fatal), and DeadlineExceeded.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind identifies which of the five taxonomy members an error belongs to.
type Kind string

const (
	KindTransport            Kind = "transport_error"
	KindParse                Kind = "parse_error"
	KindConfigurationMissing Kind = "configuration_missing"
	KindState                Kind = "state_error"
	KindDeadlineExceeded     Kind = "deadline_exceeded"
)

// StructuredError is the common shape for every error in the taxonomy. Op
// names the failing operation (e.g. "facade.search", "rca.analyze") so
// logs and HTTP responses can attribute failures without string parsing.
type StructuredError struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *StructuredError) Unwrap() error {
	return e.Cause
}

func newErr(kind Kind, op, message string, cause error) *StructuredError {
	return &StructuredError{Kind: kind, Op: op, Message: message, Cause: cause}
}

// NewTransportError wraps a network/timeout/non-2xx/malformed-payload
// failure from an external system (façade, alert sink, RCA client).
func NewTransportError(op string, cause error) *StructuredError {
	msg := "external transport failure"
	if cause != nil {
		msg = cause.Error()
	}
	return newErr(KindTransport, op, msg, cause)
}

// NewParseError wraps a failure to decode an external system's response.
func NewParseError(op string, cause error) *StructuredError {
	return newErr(KindParse, op, "malformed response", cause)
}

// NewConfigurationMissing reports that an optional external dependency
// (an alert sink URL, the LLM API key) is not configured. Callers must
// treat this as a no-op, never as a fatal condition.
func NewConfigurationMissing(op, what string) *StructuredError {
	return newErr(KindConfigurationMissing, op, what+" not configured", nil)
}

// NewStateError reports a violated internal invariant. Fatal at startup
// checks; at runtime, logged and the detecting operation is aborted.
func NewStateError(op, message string) *StructuredError {
	return newErr(KindState, op, message, nil)
}

// NewDeadlineExceeded wraps a context deadline/timeout expiry.
func NewDeadlineExceeded(op string, cause error) *StructuredError {
	return newErr(KindDeadlineExceeded, op, "deadline exceeded", cause)
}

// Is reports whether err (or any error it wraps) is a StructuredError of
// the given kind.
func Is(err error, kind Kind) bool {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// IsConfigurationMissing is a convenience wrapper for the most common
// downgrade-to-no-op check.
func IsConfigurationMissing(err error) bool {
	return Is(err, KindConfigurationMissing)
}
