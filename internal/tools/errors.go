package tools

import (
	"errors"
	"fmt"

	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/mtzanidakis/concierge/internal/store"
)

// ValidationError rejects a call before it reaches the store.
type ValidationError struct {
	Tool   string
	Param  string
	Code   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: parameter %q: %s", e.Tool, e.Param, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
}

// ExecutionError is a failure raised while a validated call ran.
type ExecutionError struct {
	Tool      string
	Code      string
	Retryable bool
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func notFound(tool, format string, args ...any) *ExecutionError {
	return &ExecutionError{Tool: tool, Code: protocol.CodeNotFound, Err: fmt.Errorf(format, args...)}
}

// storeError classifies a store failure. Missing records and constraint
// violations will not change on retry; anything else might.
func storeError(tool string, err error) *ExecutionError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &ExecutionError{Tool: tool, Code: protocol.CodeNotFound, Err: err}
	case errors.Is(err, store.ErrConstraint):
		return &ExecutionError{Tool: tool, Code: protocol.CodeConstraint, Err: err}
	}
	return &ExecutionError{Tool: tool, Code: protocol.CodeUnavailable, Retryable: true, Err: err}
}

// ToProtocol converts a registry error into the wire error for task_error.
func ToProtocol(err error) *protocol.Error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return protocol.Validation(verr.Code, verr.Error())
	}
	var eerr *ExecutionError
	if errors.As(err, &eerr) {
		return protocol.Execution(eerr.Code, eerr.Error(), eerr.Retryable)
	}
	return protocol.AsError(err)
}
