package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

type RequestStatus string

const (
	RequestReceived     RequestStatus = "received"
	RequestPlanning     RequestStatus = "planning"
	RequestDispatching  RequestStatus = "dispatching"
	RequestAggregating  RequestStatus = "aggregating"
	RequestSynthesizing RequestStatus = "synthesizing"
	RequestCompleted    RequestStatus = "completed"
	RequestFailed       RequestStatus = "failed"
	RequestTimedOut     RequestStatus = "timed_out"
)

func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCompleted, RequestFailed, RequestTimedOut:
		return true
	}
	return false
}

// Task is one dispatched unit of work. ID is unique across requests; Slot
// is the id the plan gave it, shared by a task and its replacements.
type Task struct {
	ID          string               `json:"id"`
	Slot        string               `json:"slot"`
	Role        protocol.Role        `json:"role"`
	Address     string               `json:"address"`
	ToolCalls   []protocol.ToolCall  `json:"tool_calls,omitempty"`
	Instruction string               `json:"instruction,omitempty"`
	DependsOn   []string             `json:"depends_on,omitempty"`
	Required    bool                 `json:"required"`
	Replaces    string               `json:"replaces,omitempty"`
	Status      protocol.TaskStatus  `json:"status"`
	Attempts    int                  `json:"attempts"`
	Result      *protocol.TaskResult `json:"result,omitempty"`
	Error       *protocol.Error      `json:"error,omitempty"`
}

func (t *Task) planned() planner.PlannedTask {
	required := t.Required
	return planner.PlannedTask{
		ID:          t.Slot,
		Role:        t.Role,
		ToolCalls:   t.ToolCalls,
		Instruction: t.Instruction,
		DependsOn:   t.DependsOn,
		Required:    &required,
	}
}

// Request is the router's record of one customer request.
type Request struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Status      RequestStatus     `json:"status"`
	Plan        *planner.Plan     `json:"plan,omitempty"`
	Tasks       []*Task           `json:"tasks"`
	Facts       *protocol.FactSet `json:"facts,omitempty"`
	Response    string            `json:"response,omitempty"`
	Error       *protocol.Error   `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Event is one lifecycle transition. Task is empty for request events.
type Event struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	TaskID    string          `json:"task_id,omitempty"`
	Slot      string          `json:"slot,omitempty"`
	Role      protocol.Role   `json:"role,omitempty"`
	Status    string          `json:"status"`
	Attempt   int             `json:"attempt,omitempty"`
	Error     *protocol.Error `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	EventRequest = "request"
	EventTask    = "task"
)

// Observer receives every lifecycle event. Observe is called synchronously
// and must not block for long.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// tracker owns the mutable state of one request. Every change goes through
// it so that transitions are checked and observers see them in order.
type tracker struct {
	mu        sync.Mutex
	req       *Request
	observers []Observer
}

func newTracker(id, text string, observers []Observer) *tracker {
	return &tracker{
		req: &Request{
			ID:        id,
			Text:      text,
			Status:    RequestReceived,
			CreatedAt: time.Now().UTC(),
		},
		observers: observers,
	}
}

func (t *tracker) emit(e Event) {
	e.RequestID = t.req.ID
	e.Timestamp = time.Now().UTC()
	for _, o := range t.observers {
		o.Observe(e)
	}
}

func (t *tracker) setRequestStatus(status RequestStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.req.Status.Terminal() {
		return
	}
	t.req.Status = status
	t.emit(Event{Type: EventRequest, Status: string(status)})
}

func (t *tracker) setPlan(p planner.Plan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.req.Plan = &p
}

func (t *tracker) addTask(task *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task.Status = protocol.StatusPending
	t.req.Tasks = append(t.req.Tasks, task)
	t.emit(Event{Type: EventTask, TaskID: task.ID, Slot: task.Slot, Role: task.Role, Status: string(task.Status)})
}

// dispatch moves a task to dispatched and counts the attempt.
func (t *tracker) dispatch(task *Task) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.transition(task, protocol.StatusDispatched, nil) {
		return task.Attempts
	}
	task.Attempts++
	t.emit(Event{Type: EventTask, TaskID: task.ID, Slot: task.Slot, Role: task.Role, Status: string(task.Status), Attempt: task.Attempts})
	return task.Attempts
}

func (t *tracker) succeed(task *Task, result protocol.TaskResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.transition(task, protocol.StatusSucceeded, nil) {
		task.Result = &result
		t.emit(Event{Type: EventTask, TaskID: task.ID, Slot: task.Slot, Role: task.Role, Status: string(task.Status), Attempt: task.Attempts})
	}
}

// finish moves a task to failed or timed_out.
func (t *tracker) finish(task *Task, status protocol.TaskStatus, perr *protocol.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.transition(task, status, perr) {
		t.emit(Event{Type: EventTask, TaskID: task.ID, Slot: task.Slot, Role: task.Role, Status: string(task.Status), Attempt: task.Attempts, Error: perr})
	}
}

func (t *tracker) transition(task *Task, to protocol.TaskStatus, perr *protocol.Error) bool {
	next, err := protocol.Transition(task.Status, to)
	if err != nil {
		slog.Error("task transition rejected", "request", t.req.ID, "task", task.ID, "error", err)
		return false
	}
	task.Status = next
	if perr != nil {
		task.Error = perr
	}
	return true
}

// complete records the outcome of the request. Only the first call wins.
func (t *tracker) complete(status RequestStatus, response string, facts *protocol.FactSet, perr *protocol.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.req.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	t.req.Status = status
	t.req.Response = response
	t.req.Facts = facts
	t.req.Error = perr
	t.req.CompletedAt = &now
	t.emit(Event{Type: EventRequest, Status: string(status), Error: perr})
}

func (t *tracker) statusOf(task *Task) protocol.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return task.Status
}

func (t *tracker) status() RequestStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.req.Status
}

// snapshot returns a deep enough copy of the request for callers outside
// the dispatch goroutines.
func (t *tracker) snapshot() *Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := *t.req
	r.Tasks = make([]*Task, len(t.req.Tasks))
	for i, task := range t.req.Tasks {
		cp := *task
		r.Tasks[i] = &cp
	}
	return &r
}
