package planner

import "github.com/mtzanidakis/concierge/internal/protocol"

// Plan is the decomposition of one request into sub-tasks.
type Plan struct {
	Tasks []PlannedTask `json:"tasks"`
}

// PlannedTask targets exactly one role with either tool calls or an
// instruction. Tasks are required unless marked otherwise.
type PlannedTask struct {
	ID          string              `json:"id"`
	Role        protocol.Role       `json:"role"`
	ToolCalls   []protocol.ToolCall `json:"tool_calls,omitempty"`
	Instruction string              `json:"instruction,omitempty"`
	DependsOn   []string            `json:"depends_on,omitempty"`
	Required    *bool               `json:"required,omitempty"`
}

func (t PlannedTask) IsRequired() bool {
	return t.Required == nil || *t.Required
}

// Source names what produced a task's result, for fact attribution.
func (t PlannedTask) Source() string {
	if t.Instruction != "" {
		return t.Instruction
	}
	names := ""
	for i, c := range t.ToolCalls {
		if i > 0 {
			names += ","
		}
		names += c.Tool
	}
	return names
}

// Capabilities is the lookup the planner validates against.
type Capabilities interface {
	Lookup(role protocol.Role) (protocol.Capability, bool)
	Tool(role protocol.Role, tool string) (protocol.ToolSpec, bool)
	SupportsInstruction(role protocol.Role, instruction string) bool
}

// ExecutionPlan is a validated plan plus its dependency structure.
type ExecutionPlan struct {
	Tasks map[string]PlannedTask
	// Order is a topological order of task ids.
	Order []string
	// Tiers groups tasks by dependency depth; within a tier tasks are
	// independent of each other.
	Tiers [][]string
	// Dependents maps a task id to the tasks waiting on it.
	Dependents map[string][]string
}
