package router

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

// synthesisSlot is the slot of the task the router adds for the reply.
const synthesisSlot = "synthesize"

// aggregate builds the fact set in plan order. It returns the required
// task that kept the request from succeeding, if any.
func (x *run) aggregate() (protocol.FactSet, *Task) {
	facts := protocol.FactSet{
		Request:  x.tr.req.Text,
		Facts:    []protocol.Fact{},
		Complete: true,
	}

	var failed *Task
	for _, slot := range x.order {
		task := x.task(slot)
		if task == nil {
			continue
		}
		source := task.planned().Source()

		if x.tr.statusOf(task) == protocol.StatusSucceeded {
			facts.Facts = append(facts.Facts, protocol.Fact{
				TaskID: slot,
				Source: source,
				Data:   factData(task),
			})
			continue
		}

		if task.Required {
			// Prefer the task that actually failed over those that only
			// inherited its failure.
			if failed == nil || (dependencyFailure(failed) && !dependencyFailure(task)) {
				failed = task
			}
			continue
		}
		facts.Missing = append(facts.Missing, protocol.MissingFact{
			TaskID: slot,
			Source: source,
			Reason: missingReason(task),
		})
		facts.Complete = false
	}
	return facts, failed
}

func dependencyFailure(t *Task) bool {
	return t.Error != nil && t.Error.Code == protocol.CodeDependencyFailed
}

// factData unwraps single-call results so the fact holds the record itself.
func factData(t *Task) any {
	if t.Result == nil {
		return nil
	}
	if t.Instruction != "" {
		return t.Result.Text
	}
	if len(t.Result.Results) == 1 {
		return t.Result.Results[0]
	}
	return t.Result.Results
}

func missingReason(t *Task) string {
	if t.Error == nil {
		return string(t.Status)
	}
	if t.Error.Code != "" {
		return fmt.Sprintf("%s: %s", t.Error.Code, t.Error.Message)
	}
	return t.Error.Message
}

// synthesize hands the fact set to the support agent. The synthesis task is
// retried like any other but never replanned.
func (x *run) synthesize(ctx context.Context, facts protocol.FactSet) (string, *protocol.Error) {
	pt := supportTask()
	task := x.newTask(pt, "")

	build := func(*Task) (protocol.TaskRequest, *protocol.Error) {
		return protocol.TaskRequest{
			Instruction: protocol.InstructionSynthesize,
			Text:        x.tr.req.Text,
			Facts:       &facts,
		}, nil
	}

	task = x.drive(ctx, task, build, false)
	if x.tr.statusOf(task) != protocol.StatusSucceeded {
		return "", task.Error
	}
	return task.Result.Text, nil
}

func supportTask() planner.PlannedTask {
	return planner.PlannedTask{
		ID:          synthesisSlot,
		Role:        protocol.RoleSupport,
		Instruction: protocol.InstructionSynthesize,
	}
}
