package agent

import (
	"context"

	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/mtzanidakis/concierge/internal/tools"
)

// Data exposes a tool registry over the protocol. It keeps no state
// between tasks.
type Data struct {
	registry *tools.Registry
	address  string
}

func NewData(registry *tools.Registry, address string) *Data {
	return &Data{registry: registry, address: address}
}

func (d *Data) Capability() protocol.Capability {
	return protocol.Capability{
		Role:        protocol.RoleData,
		Address:     d.address,
		Version:     protocol.Version,
		Description: "reads and updates customer and ticket records",
		Tools:       d.registry.Specs(),
	}
}

// Handle runs the task's calls in order. The first failure fails the task
// and no partial results are returned.
func (d *Data) Handle(ctx context.Context, _ protocol.Envelope, req protocol.TaskRequest) (any, error) {
	if req.Instruction != "" {
		return nil, protocol.Validation(protocol.CodeUnsupported, "data agent takes tool calls, not instructions")
	}
	if len(req.ToolCalls) == 0 {
		return nil, protocol.Validation(protocol.CodeMalformed, "task has no tool calls")
	}
	results, err := d.registry.InvokeAll(ctx, req.ToolCalls)
	if err != nil {
		return nil, tools.ToProtocol(err)
	}
	return protocol.TaskResult{Results: results}, nil
}
