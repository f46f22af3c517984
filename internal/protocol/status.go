package protocol

import (
	"errors"
	"fmt"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusDispatched TaskStatus = "dispatched"
	StatusSucceeded  TaskStatus = "succeeded"
	StatusFailed     TaskStatus = "failed"
	StatusTimedOut   TaskStatus = "timed_out"
)

var ErrInvalidTransition = errors.New("invalid task transition")

// dispatched -> dispatched is a re-dispatch for a retry.
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusDispatched, StatusFailed, StatusTimedOut},
	StatusDispatched: {StatusDispatched, StatusSucceeded, StatusFailed, StatusTimedOut},
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns to if the move from -> to is allowed.
func Transition(from, to TaskStatus) (TaskStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// Outcome maps the result of a Send to the terminal status it implies and
// the error to record, if any.
func Outcome(reply Envelope, err error) (TaskStatus, *Error) {
	if err != nil {
		perr := AsError(err)
		if perr.Kind == ErrorTimeout {
			return StatusTimedOut, perr
		}
		return StatusFailed, perr
	}
	switch reply.Kind {
	case KindTaskResult:
		return StatusSucceeded, nil
	case KindTaskError:
		if reply.Error == nil {
			return StatusFailed, Validation(CodeMalformed, "task_error reply without error detail")
		}
		if reply.Error.Kind == ErrorTimeout {
			return StatusTimedOut, reply.Error
		}
		return StatusFailed, reply.Error
	}
	return StatusFailed, Validation(CodeMalformed, fmt.Sprintf("unexpected reply kind %q", reply.Kind))
}
