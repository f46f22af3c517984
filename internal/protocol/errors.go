package protocol

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	// ErrorPlanning: the decomposition produced an invalid or unsatisfiable
	// plan. Fatal to the request.
	ErrorPlanning ErrorKind = "planning"
	// ErrorValidation: a malformed tool call or envelope. Never retried.
	ErrorValidation ErrorKind = "validation"
	// ErrorExecution: a store or backend failure. Retry depends on Retryable.
	ErrorExecution ErrorKind = "execution"
	ErrorTransport ErrorKind = "transport"
	ErrorTimeout   ErrorKind = "timeout"
	// ErrorAggregation: a required task never succeeded.
	ErrorAggregation ErrorKind = "aggregation"
)

const (
	CodeUnknownTool        = "unknown_tool"
	CodeMissingParameter   = "missing_parameter"
	CodeInvalidType        = "invalid_type"
	CodeUnknownParameter   = "unknown_parameter"
	CodeInvalidValue       = "invalid_value"
	CodeUnsupportedVersion = "unsupported_version"
	CodeMalformed          = "malformed"
	CodeNotFound           = "not_found"
	CodeConstraint         = "constraint"
	CodeUnavailable        = "unavailable"
	CodeBackendUnavailable = "backend_unavailable"
	CodeNoResponders       = "no_responders"
	CodeCancelled          = "cancelled"
	CodeDependencyFailed   = "dependency_failed"
	CodeUnresolvedRef      = "unresolved_reference"
	CodeUnsupported        = "unsupported"
)

// Error is the wire-level error carried by task_error envelopes.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Is matches sentinel errors by kind, and by code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrPlanning    = &Error{Kind: ErrorPlanning}
	ErrValidation  = &Error{Kind: ErrorValidation}
	ErrExecution   = &Error{Kind: ErrorExecution}
	ErrTransport   = &Error{Kind: ErrorTransport}
	ErrTimeout     = &Error{Kind: ErrorTimeout}
	ErrAggregation = &Error{Kind: ErrorAggregation}
	ErrNotFound    = &Error{Kind: ErrorExecution, Code: CodeNotFound}
)

func Planning(format string, args ...any) *Error {
	return &Error{Kind: ErrorPlanning, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, msg string) *Error {
	return &Error{Kind: ErrorValidation, Code: code, Message: msg}
}

func Execution(code, msg string, retryable bool) *Error {
	return &Error{Kind: ErrorExecution, Code: code, Message: msg, Retryable: retryable}
}

func TransportError(code, msg string) *Error {
	return &Error{Kind: ErrorTransport, Code: code, Message: msg, Retryable: code != CodeCancelled}
}

func Timeout(msg string) *Error {
	return &Error{Kind: ErrorTimeout, Message: msg, Retryable: true}
}

func Aggregation(format string, args ...any) *Error {
	return &Error{Kind: ErrorAggregation, Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a protocol error. Context deadlines become
// timeouts, cancellations become non-retryable transport errors, and
// anything else is reported as a retryable execution failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(err.Error())
	case errors.Is(err, context.Canceled):
		return TransportError(CodeCancelled, err.Error())
	}
	return Execution(CodeUnavailable, err.Error(), true)
}
