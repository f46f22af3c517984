package protocol

import "slices"

// InstructionSynthesize asks the support agent for a customer-facing reply.
const InstructionSynthesize = "synthesize"

// InstructionResolve asks the router to resolve a raw customer request.
const InstructionResolve = "resolve"

type ToolCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params,omitempty"`
}

// TaskRequest is the payload of a task_request envelope. Data tasks carry
// ToolCalls, support and router tasks carry an Instruction.
type TaskRequest struct {
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	Instruction string     `json:"instruction,omitempty"`
	Text        string     `json:"text,omitempty"`
	Facts       *FactSet   `json:"facts,omitempty"`
}

// TaskResult is the payload of a task_result envelope. Results holds one
// entry per tool call, in call order.
type TaskResult struct {
	Results []any  `json:"results,omitempty"`
	Text    string `json:"text,omitempty"`
}

type ParamSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required,omitempty" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description"`
}

type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`
	Mutates     bool        `json:"mutates,omitempty"`
}

// Capability is what an agent advertises in a capability_response.
type Capability struct {
	Role         Role       `json:"role"`
	Address      string     `json:"address"`
	Version      string     `json:"version"`
	Description  string     `json:"description,omitempty"`
	Tools        []ToolSpec `json:"tools,omitempty"`
	Instructions []string   `json:"instructions,omitempty"`
}

func (c Capability) Tool(name string) (ToolSpec, bool) {
	for _, t := range c.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolSpec{}, false
}

func (c Capability) HasInstruction(name string) bool {
	return slices.Contains(c.Instructions, name)
}

type Fact struct {
	TaskID string `json:"task_id"`
	Source string `json:"source"`
	Data   any    `json:"data"`
}

type MissingFact struct {
	TaskID string `json:"task_id"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// FactSet is the aggregated, ordered result of one request's data tasks.
type FactSet struct {
	Request  string        `json:"request"`
	Facts    []Fact        `json:"facts"`
	Missing  []MissingFact `json:"missing,omitempty"`
	Complete bool          `json:"complete"`
}

func (f FactSet) Empty() bool {
	return len(f.Facts) == 0
}

// Cancel is the payload of a task_cancel notice.
type Cancel struct {
	Reason string `json:"reason,omitempty"`
}
