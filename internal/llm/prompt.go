package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

const planFormat = `Answer with a single JSON object and nothing else:
{"tasks": [
  {"id": "t1", "role": "data", "tool_calls": [{"tool": "<name>", "params": {...}}], "depends_on": [], "required": true}
]}
Rules:
- Use only the roles, tools and instructions listed under CAPABILITIES.
- A task has either "tool_calls" or "instruction", never both.
- Task ids are short and contain no dots.
- To use a value returned by an earlier task, add that task to "depends_on"
  and pass {"$ref": "<task_id>.<call_index>.<field>"} as the parameter.
- Mark a task "required": false only if the answer is still useful without it.
- Do not plan the final customer reply; it is written separately.`

func decomposePrompts(req DecomposeRequest) (system, user string) {
	var b strings.Builder
	b.WriteString("You plan how to resolve customer service requests by splitting them into tasks for specialised agents.\n\n")
	b.WriteString("CAPABILITIES\n")
	b.WriteString(req.Capabilities)
	b.WriteString("\n")
	b.WriteString(planFormat)
	system = b.String()

	if req.Feedback == nil {
		return system, "Request: " + req.Text
	}

	task, _ := json.Marshal(req.Feedback.Task)
	user = fmt.Sprintf(`Request: %s

The task below failed on attempt %d with a %s error: %s
%s

Reply with a plan holding exactly one task that replaces it. Keep its id and dependencies.`,
		req.Text, req.Feedback.Attempt, req.Feedback.Error.Kind, req.Feedback.Error.Message, task)
	return system, user
}

const synthesizeSystem = `You are a customer support agent. Write a short, friendly reply to the customer using only the facts provided.
Never invent data that is not in the facts. If something could not be looked up, say so plainly.`

func synthesizePrompts(facts protocol.FactSet) (system, user string) {
	data, _ := json.MarshalIndent(facts.Facts, "", "  ")
	var b strings.Builder
	fmt.Fprintf(&b, "Customer request: %s\n\nFacts:\n%s\n", facts.Request, data)
	if len(facts.Missing) > 0 {
		b.WriteString("\nCould not be resolved:\n")
		for _, m := range facts.Missing {
			fmt.Fprintf(&b, "- %s: %s\n", m.Source, m.Reason)
		}
	}
	return synthesizeSystem, b.String()
}
