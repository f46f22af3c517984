package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/concierge/internal/llm"
	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/mtzanidakis/concierge/internal/registry"
	"github.com/mtzanidakis/concierge/internal/store"
)

type handlerFunc func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error)

// fakeTransport routes envelopes to in-process handlers and records them.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	sent     map[string][]protocol.Envelope
	notified map[string][]protocol.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]handlerFunc),
		sent:     make(map[string][]protocol.Envelope),
		notified: make(map[string][]protocol.Envelope),
	}
}

func (f *fakeTransport) handle(address string, h handlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[address] = h
}

func (f *fakeTransport) Send(ctx context.Context, env protocol.Envelope, address string) (protocol.Envelope, error) {
	f.mu.Lock()
	f.sent[address] = append(f.sent[address], env)
	h := f.handlers[address]
	f.mu.Unlock()
	if h == nil {
		return protocol.Envelope{}, protocol.TransportError(protocol.CodeNoResponders, "nobody on "+address)
	}
	return h(ctx, env)
}

func (f *fakeTransport) Notify(_ context.Context, env protocol.Envelope, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified[address] = append(f.notified[address], env)
	return nil
}

func (f *fakeTransport) sentTo(address string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.sent[address]...)
}

func (f *fakeTransport) notifiedOn(address string) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.notified[address]...)
}

func param(name, typ string, required bool) protocol.ParamSpec {
	return protocol.ParamSpec{Name: name, Type: typ, Required: required}
}

func testCaps(t *testing.T) *registry.Registry {
	t.Helper()
	caps, err := registry.New(
		protocol.Capability{
			Role:    protocol.RoleData,
			Address: "agent.data",
			Version: protocol.Version,
			Tools: []protocol.ToolSpec{
				{Name: "get_customer", Params: []protocol.ParamSpec{param("customer_id", "integer", true)}},
				{Name: "get_customer_history", Params: []protocol.ParamSpec{param("customer_id", "integer", true)}},
				{Name: "get_ticket", Params: []protocol.ParamSpec{param("id", "integer", true)}},
			},
		},
		protocol.Capability{
			Role:         protocol.RoleSupport,
			Address:      "agent.support",
			Version:      protocol.Version,
			Instructions: []string{protocol.InstructionSynthesize},
		},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return caps
}

func taskRequest(t *testing.T, env protocol.Envelope) protocol.TaskRequest {
	t.Helper()
	var req protocol.TaskRequest
	if err := env.Decode(&req); err != nil {
		t.Errorf("decode task request: %v", err)
	}
	return req
}

func result(env protocol.Envelope, sender protocol.Role, r protocol.TaskResult) (protocol.Envelope, error) {
	return env.Reply(protocol.KindTaskResult, sender, r)
}

func failure(env protocol.Envelope, perr *protocol.Error) (protocol.Envelope, error) {
	return env.ErrorReply(protocol.RoleData, perr, nil), nil
}

// ticketData answers get_ticket and get_customer calls from small fixed
// tables; anything else is not found.
func ticketData(t *testing.T) handlerFunc {
	return func(_ context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		req := taskRequest(t, env)
		var out []any
		for _, c := range req.ToolCalls {
			switch c.Tool {
			case "get_ticket":
				if fmt.Sprint(c.Params["id"]) != "42" {
					return failure(env, protocol.Execution(protocol.CodeNotFound, fmt.Sprintf("get_ticket: ticket %v not found", c.Params["id"]), false))
				}
				out = append(out, map[string]any{"ticket_id": 42, "status": "open", "issue": "Cannot log in"})
			case "get_customer":
				if fmt.Sprint(c.Params["customer_id"]) != "7" {
					return failure(env, protocol.Execution(protocol.CodeNotFound, fmt.Sprintf("get_customer: customer %v not found", c.Params["customer_id"]), false))
				}
				out = append(out, map[string]any{"id": 7, "name": "Ada"})
			case "get_customer_history":
				out = append(out, map[string]any{"customer_id": c.Params["customer_id"], "tickets": []any{}})
			default:
				return failure(env, protocol.Validation(protocol.CodeUnknownTool, c.Tool))
			}
		}
		return result(env, protocol.RoleData, protocol.TaskResult{Results: out})
	}
}

func echoSupport(t *testing.T) handlerFunc {
	return func(_ context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		req := taskRequest(t, env)
		if req.Instruction != protocol.InstructionSynthesize || req.Facts == nil {
			return failure(env, protocol.Validation(protocol.CodeMalformed, "expected synthesize with facts"))
		}
		return result(env, protocol.RoleSupport, protocol.TaskResult{Text: llm.RenderFacts(*req.Facts)})
	}
}

func ticketTask(id string, ticket any) planner.PlannedTask {
	return planner.PlannedTask{
		ID:        id,
		Role:      protocol.RoleData,
		ToolCalls: []protocol.ToolCall{{Tool: "get_ticket", Params: map[string]any{"id": ticket}}},
	}
}

func optional(pt planner.PlannedTask) planner.PlannedTask {
	no := false
	pt.Required = &no
	return pt
}

type fixture struct {
	router    *Router
	transport *fakeTransport
	backend   *llm.Scripted
}

func newFixture(t *testing.T, cfg Config, plan planner.Plan, opts ...Option) *fixture {
	t.Helper()
	tr := newFakeTransport()
	tr.handle("agent.data", ticketData(t))
	tr.handle("agent.support", echoSupport(t))
	backend := &llm.Scripted{Plan: plan}
	r, err := New(cfg, testCaps(t), tr, backend, opts...)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return &fixture{router: r, transport: tr, backend: backend}
}

func baseConfig() Config {
	return Config{
		MaxRetries:     2,
		TaskTimeout:    time.Second,
		RequestTimeout: 5 * time.Second,
		Policy:         PolicyRetry,
	}
}

func TestHandleRequestSuccess(t *testing.T) {
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}})

	resp, err := f.router.HandleRequest(context.Background(), "What is the status of ticket 42?")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Status != RequestCompleted || !resp.Complete {
		t.Errorf("status = %s complete = %v", resp.Status, resp.Complete)
	}
	if !strings.Contains(resp.Text, "open") {
		t.Errorf("response %q does not mention the ticket status", resp.Text)
	}
	if n := len(f.transport.sentTo("agent.data")); n != 1 {
		t.Errorf("data agent got %d envelopes, want 1", n)
	}
	synth := f.backend.SynthesizeCalls()
	if len(synth) != 0 {
		t.Errorf("router called the backend to synthesize directly")
	}
	sup := f.transport.sentTo("agent.support")
	if len(sup) != 1 {
		t.Fatalf("support agent got %d envelopes, want 1", len(sup))
	}
	req := taskRequest(t, sup[0])
	if len(req.Facts.Facts) != 1 || req.Facts.Facts[0].Source != "get_ticket" || !req.Facts.Complete {
		t.Errorf("facts = %+v", req.Facts)
	}
}

func TestHandleRequestNotFound(t *testing.T) {
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 99)}})

	resp, err := f.router.HandleRequest(context.Background(), "What is the status of ticket 99?")
	if !errors.Is(err, protocol.ErrAggregation) {
		t.Fatalf("err = %v, want aggregation error", err)
	}
	if resp.Status != RequestFailed {
		t.Errorf("status = %s", resp.Status)
	}
	if !strings.Contains(resp.Text, "We could not find ticket 99") {
		t.Errorf("response = %q", resp.Text)
	}
	if n := len(f.transport.sentTo("agent.data")); n != 1 {
		t.Errorf("not-found was retried: %d sends", n)
	}
	if n := len(f.transport.sentTo("agent.support")); n != 0 {
		t.Errorf("support agent called %d times for a failed request", n)
	}
}

func TestPlanningErrorDispatchesNothing(t *testing.T) {
	plans := map[string]planner.Plan{
		"unknown tool": {Tasks: []planner.PlannedTask{{
			ID: "t1", Role: protocol.RoleData,
			ToolCalls: []protocol.ToolCall{{Tool: "drop_tables"}},
		}}},
		"unknown role": {Tasks: []planner.PlannedTask{{
			ID: "t1", Role: "billing",
			ToolCalls: []protocol.ToolCall{{Tool: "get_ticket"}},
		}}},
		"cycle": {Tasks: []planner.PlannedTask{
			{ID: "a", Role: protocol.RoleData, DependsOn: []string{"b"}, ToolCalls: []protocol.ToolCall{{Tool: "get_ticket"}}},
			{ID: "b", Role: protocol.RoleData, DependsOn: []string{"a"}, ToolCalls: []protocol.ToolCall{{Tool: "get_ticket"}}},
		}},
		"empty": {},
	}

	for name, plan := range plans {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, baseConfig(), plan)
			resp, err := f.router.HandleRequest(context.Background(), "help")
			if !errors.Is(err, protocol.ErrPlanning) {
				t.Fatalf("err = %v, want planning error", err)
			}
			if !strings.Contains(resp.Text, "could not understand how to resolve") {
				t.Errorf("response = %q", resp.Text)
			}
			if n := len(f.transport.sentTo("agent.data")) + len(f.transport.sentTo("agent.support")); n != 0 {
				t.Errorf("%d envelopes dispatched for an invalid plan", n)
			}
		})
	}
}

func TestEmptyRequest(t *testing.T) {
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}})
	_, err := f.router.HandleRequest(context.Background(), "   ")
	if !errors.Is(err, protocol.ErrPlanning) {
		t.Fatalf("err = %v", err)
	}
	if n := len(f.backend.DecomposeCalls()); n != 0 {
		t.Errorf("decompose called %d times for an empty request", n)
	}
}

func TestTimeoutsRetriedThenAggregationError(t *testing.T) {
	plan := planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42), ticketTask("t2", 43)}}
	f := newFixture(t, baseConfig(), plan)
	f.transport.handle("agent.data", func(context.Context, protocol.Envelope) (protocol.Envelope, error) {
		return protocol.Envelope{}, protocol.Timeout("no reply from agent.data in time")
	})

	resp, err := f.router.HandleRequest(context.Background(), "two tickets")
	if !errors.Is(err, protocol.ErrAggregation) {
		t.Fatalf("err = %v, want aggregation error", err)
	}
	if !strings.Contains(resp.Text, "timed out") {
		t.Errorf("response = %q", resp.Text)
	}

	sent := f.transport.sentTo("agent.data")
	if len(sent) != 6 {
		t.Fatalf("data agent got %d envelopes, want 3 per task", len(sent))
	}
	attempts := map[string][]int{}
	for _, env := range sent {
		attempts[env.TaskID] = append(attempts[env.TaskID], env.Attempt)
	}
	if len(attempts) != 2 {
		t.Fatalf("retries used new task ids: %v", attempts)
	}
	for id, a := range attempts {
		if len(a) != 3 || a[0] != 1 || a[1] != 2 || a[2] != 3 {
			t.Errorf("task %s attempts = %v, want [1 2 3]", id, a)
		}
	}
	if n := len(f.transport.notifiedOn("agent.data.cancel")); n != 6 {
		t.Errorf("%d cancel notices, want one per timed out attempt", n)
	}
	if n := len(f.transport.sentTo("agent.support")); n != 0 {
		t.Errorf("support agent called after a failed required task")
	}
}

func TestValidationErrorNotRetried(t *testing.T) {
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}})
	f.transport.handle("agent.data", func(_ context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		return failure(env, protocol.Validation(protocol.CodeInvalidType, `get_ticket: parameter "id": expected integer`))
	})

	_, err := f.router.HandleRequest(context.Background(), "ticket")
	if !errors.Is(err, protocol.ErrAggregation) {
		t.Fatalf("err = %v", err)
	}
	if n := len(f.transport.sentTo("agent.data")); n != 1 {
		t.Errorf("validation error dispatched %d times, want 1", n)
	}
	if n := len(f.backend.DecomposeCalls()); n != 1 {
		t.Errorf("retry policy replanned: %d decompose calls", n)
	}
}

func TestReplanAfterValidationError(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = PolicyReplan
	archive := &memArchive{}
	f := newFixture(t, cfg, planner.Plan{}, WithArchive(archive))

	f.backend.DecomposeFunc = func(_ context.Context, req llm.DecomposeRequest) (planner.Plan, error) {
		if req.Feedback == nil {
			return planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", "forty-two")}}, nil
		}
		if !errors.Is(req.Feedback.Error, protocol.ErrValidation) || req.Feedback.Task.ID != "t1" {
			t.Errorf("feedback = %+v", req.Feedback)
		}
		return planner.Plan{Tasks: []planner.PlannedTask{ticketTask("anything", 42)}}, nil
	}
	f.transport.handle("agent.data", func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		req := taskRequest(t, env)
		if _, ok := req.ToolCalls[0].Params["id"].(string); ok {
			return failure(env, protocol.Validation(protocol.CodeInvalidType, "id must be an integer"))
		}
		return ticketData(t)(ctx, env)
	})

	resp, err := f.router.HandleRequest(context.Background(), "ticket forty-two")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(resp.Text, "open") {
		t.Errorf("response = %q", resp.Text)
	}
	if n := len(f.backend.DecomposeCalls()); n != 2 {
		t.Errorf("decompose calls = %d, want 2", n)
	}

	rec := archive.last(t)
	if len(rec.Tasks) != 3 {
		t.Fatalf("archived %d tasks, want original, replacement and synthesis", len(rec.Tasks))
	}
	orig, repl := rec.Tasks[0], rec.Tasks[1]
	if orig.Status != "failed" || repl.Status != "succeeded" {
		t.Errorf("statuses = %s, %s", orig.Status, repl.Status)
	}
	if repl.Replaces != orig.TaskID || repl.Slot != "t1" {
		t.Errorf("replacement = %+v, original = %+v", repl, orig)
	}
}

func TestRetryThenReplan(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = PolicyRetryThenReplan
	f := newFixture(t, cfg, planner.Plan{})

	f.backend.DecomposeFunc = func(_ context.Context, req llm.DecomposeRequest) (planner.Plan, error) {
		if req.Feedback == nil {
			return planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 41)}}, nil
		}
		return planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}}, nil
	}
	f.transport.handle("agent.data", func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		req := taskRequest(t, env)
		if fmt.Sprint(req.ToolCalls[0].Params["id"]) == "41" {
			return failure(env, protocol.Execution(protocol.CodeUnavailable, "database is locked", true))
		}
		return ticketData(t)(ctx, env)
	})

	if _, err := f.router.HandleRequest(context.Background(), "ticket"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	sent := f.transport.sentTo("agent.data")
	if len(sent) != 3 {
		t.Fatalf("data sends = %d, want retry, then replan", len(sent))
	}
	if sent[0].TaskID != sent[1].TaskID || sent[1].TaskID == sent[2].TaskID {
		t.Errorf("task ids = %s %s %s", sent[0].TaskID, sent[1].TaskID, sent[2].TaskID)
	}
	if n := len(f.backend.DecomposeCalls()); n != 2 {
		t.Errorf("decompose calls = %d", n)
	}
}

func TestRetryBudgetCoversReplans(t *testing.T) {
	cfg := baseConfig()
	cfg.Policy = PolicyReplan
	f := newFixture(t, cfg, planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}})
	f.transport.handle("agent.data", func(_ context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		return failure(env, protocol.Execution(protocol.CodeUnavailable, "database is locked", true))
	})

	if _, err := f.router.HandleRequest(context.Background(), "ticket"); err == nil {
		t.Fatal("expected failure")
	}
	if n := len(f.transport.sentTo("agent.data")); n != 3 {
		t.Errorf("data sends = %d, want 1 + max retries", n)
	}
	if n := len(f.backend.DecomposeCalls()); n != 3 {
		t.Errorf("decompose calls = %d, want plan + 2 replans", n)
	}
}

func TestDependencyReferences(t *testing.T) {
	plan := planner.Plan{Tasks: []planner.PlannedTask{
		{
			ID:        "history",
			Role:      protocol.RoleData,
			DependsOn: []string{"customer"},
			ToolCalls: []protocol.ToolCall{{
				Tool:   "get_customer_history",
				Params: map[string]any{"customer_id": map[string]any{"$ref": "customer.0.id"}},
			}},
		},
		{
			ID:        "customer",
			Role:      protocol.RoleData,
			ToolCalls: []protocol.ToolCall{{Tool: "get_customer", Params: map[string]any{"customer_id": 7}}},
		},
	}}
	f := newFixture(t, baseConfig(), plan)

	resp, err := f.router.HandleRequest(context.Background(), "history for customer 7")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	sent := f.transport.sentTo("agent.data")
	if len(sent) != 2 {
		t.Fatalf("data sends = %d", len(sent))
	}
	if req := taskRequest(t, sent[0]); req.ToolCalls[0].Tool != "get_customer" {
		t.Errorf("dependent task dispatched first: %s", req.ToolCalls[0].Tool)
	}
	req := taskRequest(t, sent[1])
	if got := fmt.Sprint(req.ToolCalls[0].Params["customer_id"]); got != "7" {
		t.Errorf("resolved customer_id = %s", got)
	}

	// Facts keep the order the plan declared.
	sup := taskRequest(t, f.transport.sentTo("agent.support")[0])
	if sup.Facts.Facts[0].TaskID != "history" || sup.Facts.Facts[1].TaskID != "customer" {
		t.Errorf("fact order = %+v", sup.Facts.Facts)
	}
	if !resp.Complete {
		t.Error("response should be complete")
	}
}

func TestFailedDependencyIsNotDispatched(t *testing.T) {
	plan := planner.Plan{Tasks: []planner.PlannedTask{
		{ID: "customer", Role: protocol.RoleData, ToolCalls: []protocol.ToolCall{{Tool: "get_customer", Params: map[string]any{"customer_id": 8}}}},
		{
			ID: "history", Role: protocol.RoleData, DependsOn: []string{"customer"},
			ToolCalls: []protocol.ToolCall{{Tool: "get_customer_history", Params: map[string]any{"customer_id": map[string]any{"$ref": "customer.0.id"}}}},
		},
	}}
	archive := &memArchive{}
	f := newFixture(t, baseConfig(), plan, WithArchive(archive))

	resp, err := f.router.HandleRequest(context.Background(), "history for customer 8")
	if !errors.Is(err, protocol.ErrAggregation) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(resp.Text, "We could not find customer 8") {
		t.Errorf("response = %q", resp.Text)
	}
	if n := len(f.transport.sentTo("agent.data")); n != 1 {
		t.Errorf("data sends = %d, want only the failing dependency", n)
	}

	rec := archive.last(t)
	for _, task := range rec.Tasks {
		if task.Slot == "history" && (task.Status != "failed" || task.Attempts != 0) {
			t.Errorf("dependent task = %+v", task)
		}
	}
}

func TestOptionalTaskFailureMarksFactsIncomplete(t *testing.T) {
	plan := planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42), optional(ticketTask("t2", 77))}}
	f := newFixture(t, baseConfig(), plan)

	resp, err := f.router.HandleRequest(context.Background(), "tickets 42 and 77")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Status != RequestCompleted || resp.Complete {
		t.Errorf("status = %s complete = %v", resp.Status, resp.Complete)
	}
	sup := taskRequest(t, f.transport.sentTo("agent.support")[0])
	if sup.Facts.Complete || len(sup.Facts.Missing) != 1 || sup.Facts.Missing[0].TaskID != "t2" {
		t.Errorf("facts = %+v", sup.Facts)
	}
	if !strings.Contains(sup.Facts.Missing[0].Reason, protocol.CodeNotFound) {
		t.Errorf("missing reason = %q", sup.Facts.Missing[0].Reason)
	}
}

func TestRequestDeadlineCancelsOutstandingTasks(t *testing.T) {
	cfg := baseConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	plan := planner.Plan{Tasks: []planner.PlannedTask{
		ticketTask("t1", 42),
		{ID: "t2", Role: protocol.RoleData, DependsOn: []string{"t1"}, ToolCalls: []protocol.ToolCall{{Tool: "get_ticket", Params: map[string]any{"id": 42}}}},
	}}
	archive := &memArchive{}
	f := newFixture(t, cfg, plan, WithArchive(archive))
	f.transport.handle("agent.data", func(ctx context.Context, _ protocol.Envelope) (protocol.Envelope, error) {
		<-ctx.Done()
		return protocol.Envelope{}, protocol.Timeout("no reply in time")
	})

	start := time.Now()
	resp, err := f.router.HandleRequest(context.Background(), "slow")
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if resp.Status != RequestTimedOut || !strings.Contains(resp.Text, "timed out") {
		t.Errorf("response = %+v", resp)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("request took %s", elapsed)
	}

	cancels := f.transport.notifiedOn("agent.data.cancel")
	if len(cancels) != 1 || cancels[0].Kind != protocol.KindTaskCancel {
		t.Fatalf("cancel notices = %+v", cancels)
	}
	if cancels[0].TaskID != f.transport.sentTo("agent.data")[0].TaskID {
		t.Errorf("cancel for the wrong task")
	}

	rec := archive.last(t)
	if rec.Status != string(RequestTimedOut) {
		t.Errorf("archived status = %s", rec.Status)
	}
	for _, task := range rec.Tasks {
		if task.Status != "timed_out" {
			t.Errorf("task %s status = %s, want timed_out", task.Slot, task.Status)
		}
	}
}

func TestSynthesisRetried(t *testing.T) {
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}})
	var calls int
	var mu sync.Mutex
	f.transport.handle("agent.support", func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return env.ErrorReply(protocol.RoleSupport, protocol.Execution(protocol.CodeBackendUnavailable, "rate limited", true), nil), nil
		}
		return echoSupport(t)(ctx, env)
	})

	resp, err := f.router.HandleRequest(context.Background(), "ticket 42")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Status != RequestCompleted {
		t.Errorf("status = %s", resp.Status)
	}
	if n := len(f.transport.sentTo("agent.support")); n != 2 {
		t.Errorf("support sends = %d, want 2", n)
	}
}

func TestSynthesisFailure(t *testing.T) {
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}})
	f.transport.handle("agent.support", func(_ context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		return env.ErrorReply(protocol.RoleSupport, protocol.Execution(protocol.CodeBackendUnavailable, "down", true), nil), nil
	})

	resp, err := f.router.HandleRequest(context.Background(), "ticket 42")
	if !errors.Is(err, protocol.ErrExecution) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(resp.Text, "assistant is unavailable") {
		t.Errorf("response = %q", resp.Text)
	}
	if n := len(f.transport.sentTo("agent.support")); n != 3 {
		t.Errorf("support sends = %d, want 3", n)
	}
}

func TestObserversSeeTransitions(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}}, WithObserver(obs))

	resp, err := f.router.HandleRequest(context.Background(), "ticket 42")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var requestStates, taskStates []string
	for _, e := range events {
		if e.RequestID != resp.RequestID {
			t.Errorf("event for request %s", e.RequestID)
		}
		switch {
		case e.Type == EventRequest:
			requestStates = append(requestStates, e.Status)
		case e.Slot == "t1":
			taskStates = append(taskStates, e.Status)
		}
	}
	wantRequest := "planning,dispatching,aggregating,synthesizing,completed"
	if got := strings.Join(requestStates, ","); got != wantRequest {
		t.Errorf("request states = %s, want %s", got, wantRequest)
	}
	if got := strings.Join(taskStates, ","); got != "pending,dispatched,succeeded" {
		t.Errorf("task states = %s", got)
	}
}

func TestActiveRequests(t *testing.T) {
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}})
	release := make(chan struct{})
	seen := make(chan []*Request, 1)
	f.transport.handle("agent.data", func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		seen <- f.router.Active()
		<-release
		return ticketData(t)(ctx, env)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.router.HandleRequest(context.Background(), "ticket 42")
	}()

	active := <-seen
	close(release)
	<-done

	if len(active) != 1 || active[0].Status != RequestDispatching {
		t.Fatalf("active = %+v", active)
	}
	if len(active[0].Tasks) != 1 || active[0].Tasks[0].Status != protocol.StatusDispatched {
		t.Errorf("active tasks = %+v", active[0].Tasks)
	}
	if n := len(f.router.Active()); n != 0 {
		t.Errorf("%d requests still active", n)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tr := newFakeTransport()
	if _, err := New(Config{Policy: "sometimes"}, testCaps(t), tr, &llm.Scripted{}); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := New(Config{MaxRetries: -1}, testCaps(t), tr, &llm.Scripted{}); err == nil {
		t.Error("expected error for negative retries")
	}
	r, err := New(Config{}, testCaps(t), tr, &llm.Scripted{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c := r.Config(); c.Policy != PolicyRetry || c.TaskTimeout != 5*time.Second || c.RequestTimeout != 30*time.Second {
		t.Errorf("defaults = %+v", c)
	}
}

type memArchive struct {
	mu   sync.Mutex
	recs []*store.ArchivedRequest
}

func (a *memArchive) SaveRequest(_ context.Context, r *store.ArchivedRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, r)
	return nil
}

func (a *memArchive) last(t *testing.T) *store.ArchivedRequest {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.recs) == 0 {
		t.Fatal("nothing archived")
	}
	return a.recs[len(a.recs)-1]
}

func TestPlanningFailsWithoutSupportAgent(t *testing.T) {
	caps, err := registry.New(protocol.Capability{
		Role:    protocol.RoleData,
		Address: "agent.data",
		Version: protocol.Version,
		Tools:   []protocol.ToolSpec{{Name: "get_ticket", Params: []protocol.ParamSpec{param("id", "integer", true)}}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	tr := newFakeTransport()
	tr.handle("agent.data", ticketData(t))
	backend := &llm.Scripted{Plan: planner.Plan{Tasks: []planner.PlannedTask{ticketTask("t1", 42)}}}
	r, err := New(baseConfig(), caps, tr, backend)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	resp, err := r.HandleRequest(context.Background(), "What is the status of ticket 42?")
	if !errors.Is(err, protocol.ErrPlanning) {
		t.Fatalf("err = %v, want planning error", err)
	}
	if !strings.Contains(resp.Text, "could not understand how to resolve") {
		t.Errorf("response = %q", resp.Text)
	}
	if n := len(tr.sentTo("agent.data")); n != 0 {
		t.Errorf("data agent got %d envelopes with no support agent to synthesize", n)
	}
}

func TestIndependentTasksRunConcurrently(t *testing.T) {
	f := newFixture(t, baseConfig(), planner.Plan{Tasks: []planner.PlannedTask{
		ticketTask("t1", 42),
		ticketTask("t2", 42),
	}})

	var (
		mu             sync.Mutex
		inFlight, peak int
	)
	data := ticketData(t)
	f.transport.handle("agent.data", func(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return data(ctx, env)
	})

	resp, err := f.router.HandleRequest(context.Background(), "Status of ticket 42, twice")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Status != RequestCompleted {
		t.Errorf("status = %s", resp.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 2 {
		t.Errorf("peak tasks in flight = %d, want 2", peak)
	}
}
