package router

import (
	"context"

	"github.com/mtzanidakis/concierge/internal/llm"
	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

type action string

const (
	actionGiveUp action = "give_up"
	actionRetry  action = "retry"
	actionReplan action = "replan"
)

// negotiate decides what follows a failed attempt. used counts the
// retries and replans already spent on the task's slot.
func (r *Router) negotiate(perr *protocol.Error, used int, replannable bool) action {
	if perr == nil || used >= r.cfg.MaxRetries {
		return actionGiveUp
	}
	canReplan := replannable && r.cfg.Policy != PolicyRetry

	switch perr.Kind {
	case protocol.ErrorValidation:
		// Re-sending the same malformed call cannot help; a revised one might.
		if canReplan {
			return actionReplan
		}
		return actionGiveUp
	case protocol.ErrorPlanning, protocol.ErrorAggregation:
		return actionGiveUp
	}
	if !perr.Retryable {
		return actionGiveUp
	}

	switch r.cfg.Policy {
	case PolicyReplan:
		if canReplan {
			return actionReplan
		}
	case PolicyRetryThenReplan:
		if canReplan && used == r.cfg.MaxRetries-1 {
			return actionReplan
		}
	}
	return actionRetry
}

// replan asks the backend for a single task to take the failed one's slot.
// The revision keeps the slot id, dependencies and required flag, and must
// validate together with the rest of the plan.
func (x *run) replan(ctx context.Context, task *Task, perr *protocol.Error) (*Task, error) {
	plan, err := x.r.backend.Decompose(ctx, llm.DecomposeRequest{
		Text:         x.tr.req.Text,
		Capabilities: x.r.caps.Describe(),
		Feedback: &llm.Failure{
			Task:    task.planned(),
			Error:   perr,
			Attempt: task.Attempts,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(plan.Tasks) != 1 {
		return nil, protocol.Planning("replan returned %d tasks, want 1", len(plan.Tasks))
	}

	revised := plan.Tasks[0]
	required := task.Required
	revised.ID = task.Slot
	revised.DependsOn = task.DependsOn
	revised.Required = &required

	tasks := make([]planner.PlannedTask, 0, len(x.plan.Tasks))
	for _, id := range x.order {
		if id == task.Slot {
			tasks = append(tasks, revised)
			continue
		}
		tasks = append(tasks, x.plan.Tasks[id])
	}
	if _, err := planner.BuildPlan(planner.Plan{Tasks: tasks}, x.r.caps); err != nil {
		return nil, err
	}

	next := x.newTask(revised, task.ID)
	return next, nil
}
