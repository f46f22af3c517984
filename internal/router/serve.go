package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtzanidakis/concierge/internal/agent"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Handler exposes the router as an agent on the bus. It accepts
// task_request envelopes with the resolve instruction and the customer's
// text, and answers with the final response.
type Handler struct {
	router  *Router
	address string
}

var _ agent.Handler = (*Handler)(nil)

func NewHandler(r *Router, address string) *Handler {
	return &Handler{router: r, address: address}
}

func (h *Handler) Capability() protocol.Capability {
	return protocol.Capability{
		Role:         protocol.RoleRouter,
		Address:      h.address,
		Version:      protocol.Version,
		Description:  "Resolves customer service requests end to end.",
		Instructions: []string{protocol.InstructionResolve},
	}
}

func (h *Handler) Handle(ctx context.Context, _ protocol.Envelope, req protocol.TaskRequest) (any, error) {
	if req.Instruction != protocol.InstructionResolve || len(req.ToolCalls) > 0 {
		return nil, protocol.Validation(protocol.CodeUnsupported,
			fmt.Sprintf("router accepts only the %q instruction", protocol.InstructionResolve))
	}

	resp, err := h.router.HandleRequest(ctx, req.Text)
	result := protocol.TaskResult{Text: resp.Text, Results: []any{resp}}
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.AsError(err)
		}
		return nil, &agent.Failure{Err: perr, Payload: result}
	}
	return result, nil
}
