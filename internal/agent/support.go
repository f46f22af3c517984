package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/concierge/internal/llm"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Support turns an aggregated fact set into the customer-facing reply.
type Support struct {
	backend llm.Backend
	address string
}

func NewSupport(backend llm.Backend, address string) *Support {
	return &Support{backend: backend, address: address}
}

func (s *Support) Capability() protocol.Capability {
	return protocol.Capability{
		Role:         protocol.RoleSupport,
		Address:      s.address,
		Version:      protocol.Version,
		Description:  "writes the final reply to the customer from resolved facts",
		Instructions: []string{protocol.InstructionSynthesize},
	}
}

func (s *Support) Handle(ctx context.Context, _ protocol.Envelope, req protocol.TaskRequest) (any, error) {
	if req.Instruction != protocol.InstructionSynthesize {
		return nil, protocol.Validation(protocol.CodeUnsupported, fmt.Sprintf("support agent does not handle instruction %q", req.Instruction))
	}
	if req.Facts == nil {
		return nil, protocol.Validation(protocol.CodeMissingParameter, "synthesize needs a fact set")
	}
	facts := *req.Facts

	if facts.Empty() {
		return protocol.TaskResult{Text: unresolvedReply(facts)}, nil
	}

	text, err := s.backend.Synthesize(ctx, facts)
	if err != nil {
		return nil, protocol.Execution(protocol.CodeBackendUnavailable, err.Error(), true)
	}
	if !facts.Complete {
		text = strings.TrimSpace(text) + "\n\n" + missingNote(facts.Missing)
	}
	return protocol.TaskResult{Text: text}, nil
}

func unresolvedReply(facts protocol.FactSet) string {
	msg := "We're sorry, we were unable to fully resolve your request because none of the information it needs could be retrieved."
	if len(facts.Missing) > 0 {
		msg += "\n\n" + missingNote(facts.Missing)
	}
	return msg
}

func missingNote(missing []protocol.MissingFact) string {
	if len(missing) == 0 {
		return "Note: part of your request could not be resolved."
	}
	var b strings.Builder
	b.WriteString("Note: we could not resolve every part of your request:")
	for _, m := range missing {
		fmt.Fprintf(&b, "\n- %s (%s)", m.Source, m.Reason)
	}
	return b.String()
}
