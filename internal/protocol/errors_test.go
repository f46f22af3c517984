package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", Execution(CodeNotFound, "customer 5", false))

	if !errors.Is(err, ErrExecution) {
		t.Error("expected match on kind")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected match on kind and code")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("unexpected match on different kind")
	}
	if errors.Is(Execution(CodeConstraint, "bad", false), ErrNotFound) {
		t.Error("unexpected match on different code")
	}
}

func TestAsError(t *testing.T) {
	if got := AsError(nil); got != nil {
		t.Fatalf("AsError(nil) = %v", got)
	}
	if got := AsError(context.DeadlineExceeded); got.Kind != ErrorTimeout || !got.Retryable {
		t.Errorf("deadline mapped to %+v", got)
	}
	if got := AsError(context.Canceled); got.Kind != ErrorTransport || got.Retryable {
		t.Errorf("cancel mapped to %+v", got)
	}
	if got := AsError(errors.New("disk on fire")); got.Kind != ErrorExecution || !got.Retryable {
		t.Errorf("plain error mapped to %+v", got)
	}
	orig := Validation(CodeUnknownTool, "nope")
	if got := AsError(fmt.Errorf("wrap: %w", orig)); got != orig {
		t.Errorf("wrapped protocol error not unwrapped: %+v", got)
	}
}

func TestErrorMessage(t *testing.T) {
	got := Execution(CodeNotFound, "ticket 42 not found", false).Error()
	want := "execution error (not_found): ticket 42 not found"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got := Planning("empty plan").Error(); got != "planning error: empty plan" {
		t.Errorf("got %q", got)
	}
}
