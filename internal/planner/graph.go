package planner

import (
	"slices"
	"strings"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

// BuildPlan validates plan against caps and orders its tasks. Every error
// it returns is a planning error and means nothing may be dispatched.
func BuildPlan(plan Plan, caps Capabilities) (*ExecutionPlan, error) {
	if len(plan.Tasks) == 0 {
		return nil, protocol.Planning("plan has no tasks")
	}

	tasks := make(map[string]PlannedTask, len(plan.Tasks))
	inDegree := make(map[string]int, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if err := checkTask(t, caps); err != nil {
			return nil, err
		}
		if _, dup := tasks[t.ID]; dup {
			return nil, protocol.Planning("duplicate task id %q", t.ID)
		}
		tasks[t.ID] = t
		inDegree[t.ID] = 0
	}

	dependents := make(map[string][]string)
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, protocol.Planning("task %q depends on itself", t.ID)
			}
			if _, ok := tasks[dep]; !ok {
				return nil, protocol.Planning("task %q depends on unknown task %q", t.ID, dep)
			}
			dependents[dep] = append(dependents[dep], t.ID)
			inDegree[t.ID]++
		}
		if err := checkRefs(t); err != nil {
			return nil, err
		}
	}

	// Kahn's algorithm, seeded in plan order so the result is stable.
	depth := make(map[string]int, len(tasks))
	var queue []string
	for _, t := range plan.Tasks {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	order := make([]string, 0, len(tasks))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range dependents[id] {
			inDegree[next]--
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(tasks) {
		var stuck []string
		for _, t := range plan.Tasks {
			if inDegree[t.ID] > 0 {
				stuck = append(stuck, t.ID)
			}
		}
		return nil, protocol.Planning("dependency cycle among tasks %s", strings.Join(stuck, ", "))
	}

	var tiers [][]string
	for _, id := range order {
		d := depth[id]
		for len(tiers) <= d {
			tiers = append(tiers, nil)
		}
		tiers[d] = append(tiers[d], id)
	}

	return &ExecutionPlan{
		Tasks:      tasks,
		Order:      order,
		Tiers:      tiers,
		Dependents: dependents,
	}, nil
}

func checkTask(t PlannedTask, caps Capabilities) error {
	if t.ID == "" {
		return protocol.Planning("task without id")
	}
	if strings.Contains(t.ID, ".") {
		return protocol.Planning("task id %q must not contain '.'", t.ID)
	}
	if _, ok := caps.Lookup(t.Role); !ok {
		return protocol.Planning("task %q targets unknown role %q", t.ID, t.Role)
	}

	switch {
	case len(t.ToolCalls) > 0 && t.Instruction != "":
		return protocol.Planning("task %q has both tool calls and an instruction", t.ID)
	case len(t.ToolCalls) == 0 && t.Instruction == "":
		return protocol.Planning("task %q has neither tool calls nor an instruction", t.ID)
	}

	for _, c := range t.ToolCalls {
		if _, ok := caps.Tool(t.Role, c.Tool); !ok {
			return protocol.Planning("task %q calls tool %q which role %s does not declare", t.ID, c.Tool, t.Role)
		}
	}
	if t.Instruction != "" {
		if t.Instruction == protocol.InstructionSynthesize {
			return protocol.Planning("task %q: synthesis is scheduled by the router, not the plan", t.ID)
		}
		if !caps.SupportsInstruction(t.Role, t.Instruction) {
			return protocol.Planning("task %q uses instruction %q which role %s does not declare", t.ID, t.Instruction, t.Role)
		}
	}
	return nil
}

// checkRefs requires every result reference to point at a direct
// dependency, so the referenced value exists by dispatch time.
func checkRefs(t PlannedTask) error {
	for _, c := range t.ToolCalls {
		refs, err := collectRefs(c.Params)
		if err != nil {
			return protocol.Planning("task %q: %v", t.ID, err)
		}
		for _, r := range refs {
			if !slices.Contains(t.DependsOn, r.Task) {
				return protocol.Planning("task %q references %q without depending on it", t.ID, r.Task)
			}
		}
	}
	return nil
}
