package router

import (
	"errors"
	"strings"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

// failureMessage is the customer-facing explanation for perr. It says what
// went wrong without pretending the request was answered.
func failureMessage(perr *protocol.Error) string {
	if perr == nil {
		return "We're sorry, we could not resolve your request."
	}
	switch {
	case errors.Is(perr, protocol.ErrNotFound):
		return "We could not find " + missingThing(perr.Message) + ". Please check the details and try again."
	case perr.Kind == protocol.ErrorTimeout:
		return "We're sorry, your request timed out before we could resolve it. Please try again shortly."
	case perr.Kind == protocol.ErrorPlanning:
		return "We're sorry, we could not understand how to resolve your request. Could you rephrase it?"
	case perr.Kind == protocol.ErrorValidation:
		return "We're sorry, we could not look up the information your request needs."
	case perr.Kind == protocol.ErrorTransport && perr.Code == protocol.CodeCancelled:
		return "Your request was cancelled before it could be resolved."
	case perr.Kind == protocol.ErrorTransport:
		return "We're sorry, one of our services is unreachable right now, so we could not resolve your request."
	case perr.Code == protocol.CodeBackendUnavailable:
		return "We're sorry, our assistant is unavailable right now. Please try again shortly."
	case perr.Code == protocol.CodeConstraint:
		return "We're sorry, we could not make that change because it conflicts with our records."
	}
	return "We're sorry, something went wrong while resolving your request."
}

// missingThing pulls "ticket 42" out of messages like
// "get_ticket: ticket 42 not found".
func missingThing(msg string) string {
	before, _, ok := strings.Cut(msg, " not found")
	if !ok {
		return "the record you asked about"
	}
	if i := strings.LastIndex(before, ": "); i >= 0 {
		before = before[i+2:]
	}
	before = strings.TrimSpace(before)
	if before == "" || before == "record" {
		return "the record you asked about"
	}
	return before
}
