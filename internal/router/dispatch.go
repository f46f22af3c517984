package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/concierge/internal/natsbus"
	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

// run is the execution of one validated plan.
type run struct {
	r     *Router
	tr    *tracker
	plan  *planner.ExecutionPlan
	order []string // plan order as declared
	done  map[string]chan struct{}

	mu      sync.Mutex
	current map[string]*Task // slot -> latest task
	results map[string][]any // slot -> results of the succeeded task
}

func newRun(r *Router, tr *tracker, plan *planner.ExecutionPlan) *run {
	x := &run{
		r:       r,
		tr:      tr,
		plan:    plan,
		done:    make(map[string]chan struct{}, len(plan.Tasks)),
		current: make(map[string]*Task, len(plan.Tasks)),
		results: make(map[string][]any, len(plan.Tasks)),
	}
	if tr.req.Plan != nil {
		for _, t := range tr.req.Plan.Tasks {
			x.order = append(x.order, t.ID)
		}
	} else {
		x.order = plan.Order
	}
	for id := range plan.Tasks {
		x.done[id] = make(chan struct{})
	}
	return x
}

// execute runs every slot on its own goroutine. A slot starts as soon as
// its own dependencies are done.
func (x *run) execute(ctx context.Context) {
	var wg sync.WaitGroup
	for _, slot := range x.plan.Order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(x.done[slot])
			x.runSlot(ctx, slot)
		}()
	}
	wg.Wait()
}

func (x *run) runSlot(ctx context.Context, slot string) {
	pt := x.plan.Tasks[slot]
	task := x.newTask(pt, "")

	for _, dep := range pt.DependsOn {
		select {
		case <-x.done[dep]:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			status, perr := ctxOutcome(ctx)
			x.tr.finish(task, status, perr)
			return
		}
		if d := x.task(dep); d == nil || x.tr.statusOf(d) != protocol.StatusSucceeded {
			x.tr.finish(task, protocol.StatusFailed, protocol.Execution(protocol.CodeDependencyFailed,
				fmt.Sprintf("dependency %q did not succeed", dep), false))
			return
		}
	}

	x.drive(ctx, task, x.dataRequest, true)
}

func (x *run) newTask(pt planner.PlannedTask, replaces string) *Task {
	address, _ := x.r.caps.Address(pt.Role)
	task := &Task{
		ID:          uuid.New().String(),
		Slot:        pt.ID,
		Role:        pt.Role,
		Address:     address,
		ToolCalls:   pt.ToolCalls,
		Instruction: pt.Instruction,
		DependsOn:   pt.DependsOn,
		Required:    pt.IsRequired(),
		Replaces:    replaces,
	}
	x.tr.addTask(task)

	x.mu.Lock()
	x.current[pt.ID] = task
	x.mu.Unlock()
	return task
}

func (x *run) task(slot string) *Task {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.current[slot]
}

func (x *run) resultSet() map[string][]any {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string][]any, len(x.results))
	for k, v := range x.results {
		out[k] = v
	}
	return out
}

// dataRequest builds the payload for a planned task, resolving result
// references against the dependencies that already succeeded.
func (x *run) dataRequest(task *Task) (protocol.TaskRequest, *protocol.Error) {
	if task.Instruction != "" {
		return protocol.TaskRequest{Instruction: task.Instruction, Text: x.tr.req.Text}, nil
	}
	calls, err := planner.Resolve(task.ToolCalls, x.resultSet())
	if err != nil {
		return protocol.TaskRequest{}, protocol.AsError(err)
	}
	return protocol.TaskRequest{ToolCalls: calls}, nil
}

type buildFunc func(*Task) (protocol.TaskRequest, *protocol.Error)

// drive dispatches task until it succeeds or negotiation gives up, and
// returns the task that ended the slot. After a replan that is the
// replacement, not the original.
func (x *run) drive(ctx context.Context, task *Task, build buildFunc, replannable bool) *Task {
	used := 0
	for {
		status, result, perr := x.attempt(ctx, task, build)
		if status == protocol.StatusSucceeded {
			x.tr.succeed(task, result)
			if task.Instruction == "" {
				x.mu.Lock()
				x.results[task.Slot] = result.Results
				x.mu.Unlock()
			}
			return task
		}

		if ctx.Err() != nil {
			status, perr = ctxOutcome(ctx)
			x.tr.finish(task, status, perr)
			return task
		}

		act := x.r.negotiate(perr, used, replannable)
		slog.Info("task attempt failed", "request", x.tr.req.ID, "task", task.ID, "slot", task.Slot,
			"attempt", task.Attempts, "kind", perr.Kind, "code", perr.Code, "next", act)

		switch act {
		case actionRetry:
			used++
			continue
		case actionReplan:
			used++
			next, err := x.replan(ctx, task, perr)
			if err != nil {
				slog.Warn("replan failed", "request", x.tr.req.ID, "slot", task.Slot, "error", err)
				x.tr.finish(task, status, perr)
				return task
			}
			x.tr.finish(task, status, perr)
			task = next
			continue
		}

		x.tr.finish(task, status, perr)
		return task
	}
}

// attempt dispatches task once and interprets the reply.
func (x *run) attempt(ctx context.Context, task *Task, build buildFunc) (protocol.TaskStatus, protocol.TaskResult, *protocol.Error) {
	var none protocol.TaskResult

	if task.Address == "" {
		return protocol.StatusFailed, none, unroutable(task.Role)
	}
	req, perr := build(task)
	if perr != nil {
		return protocol.StatusFailed, none, perr
	}
	env, err := protocol.NewEnvelope(protocol.KindTaskRequest, protocol.RoleRouter, task.ID, req)
	if err != nil {
		return protocol.StatusFailed, none, protocol.Validation(protocol.CodeMalformed, err.Error())
	}
	env.RequestID = x.tr.req.ID
	env.Attempt = x.tr.dispatch(task)

	sendCtx, cancel := context.WithTimeout(ctx, x.r.cfg.TaskTimeout)
	reply, err := x.r.transport.Send(sendCtx, env, task.Address)
	cancel()

	status, perr := protocol.Outcome(reply, err)
	if err != nil && (status == protocol.StatusTimedOut || ctx.Err() != nil) {
		x.r.cancelRemote(env, task.Address, "deadline exceeded")
	}
	if status != protocol.StatusSucceeded {
		return status, none, perr
	}
	if reply.TaskID != task.ID {
		return protocol.StatusFailed, none, protocol.Validation(protocol.CodeMalformed,
			fmt.Sprintf("reply for task %q, want %q", reply.TaskID, task.ID))
	}

	var result protocol.TaskResult
	if err := reply.Decode(&result); err != nil {
		return protocol.StatusFailed, none, protocol.Validation(protocol.CodeMalformed, err.Error())
	}
	return protocol.StatusSucceeded, result, nil
}

// unroutable reports a task no agent can receive. Nothing was sent, so a
// retry would fail the same way.
func unroutable(role protocol.Role) *protocol.Error {
	perr := protocol.TransportError(protocol.CodeNoResponders, fmt.Sprintf("no agent serves role %s", role))
	perr.Retryable = false
	return perr
}

// cancelRemote tells the executing agent to stop an attempt the router has
// given up waiting for. Delivery is best effort.
func (r *Router) cancelRemote(sent protocol.Envelope, address, reason string) {
	env, err := sent.Reply(protocol.KindTaskCancel, protocol.RoleRouter, protocol.Cancel{Reason: reason})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.transport.Notify(ctx, env, natsbus.TopicCancel(address)); err != nil {
		slog.Debug("cancel notice failed", "task", sent.TaskID, "error", err)
	}
}

func ctxOutcome(ctx context.Context) (protocol.TaskStatus, *protocol.Error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.StatusTimedOut, protocol.Timeout("request deadline elapsed")
	}
	return protocol.StatusFailed, protocol.TransportError(protocol.CodeCancelled, "request cancelled")
}
