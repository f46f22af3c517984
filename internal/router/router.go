// Package router resolves customer requests: it decomposes them into
// sub-tasks, dispatches those to the data agent, recovers from failures,
// aggregates the results and hands them to the support agent.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mtzanidakis/concierge/internal/llm"
	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/mtzanidakis/concierge/internal/registry"
)

// Response is what the customer gets back. Text is always set, either to
// the synthesized reply or to an honest explanation of what went wrong.
type Response struct {
	RequestID string          `json:"request_id"`
	Status    RequestStatus   `json:"status"`
	Text      string          `json:"text"`
	Complete  bool            `json:"complete"`
	Error     *protocol.Error `json:"error,omitempty"`
}

type Router struct {
	cfg       Config
	caps      *registry.Registry
	transport protocol.Transport
	backend   llm.Backend
	archive   Archive
	observers []Observer

	mu     sync.RWMutex
	active map[string]*tracker
}

type Option func(*Router)

// WithArchive stores every finished request.
func WithArchive(a Archive) Option {
	return func(r *Router) { r.archive = a }
}

// WithObserver registers an observer for lifecycle events.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observers = append(r.observers, o) }
}

func New(cfg Config, caps *registry.Registry, transport protocol.Transport, backend llm.Backend, opts ...Option) (*Router, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, fmt.Errorf("router config: %w", err)
	}
	if caps == nil || transport == nil || backend == nil {
		return nil, errors.New("router needs capabilities, a transport and a backend")
	}
	r := &Router{
		cfg:       cfg,
		caps:      caps,
		transport: transport,
		backend:   backend,
		active:    make(map[string]*tracker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Router) Config() Config {
	return r.cfg
}

func (r *Router) Capabilities() *registry.Registry {
	return r.caps
}

// HandleRequest resolves one customer request. The returned Response is
// never nil; the error is the protocol error behind a failed response.
func (r *Router) HandleRequest(ctx context.Context, text string) (*Response, error) {
	tr := newTracker(uuid.New().String(), strings.TrimSpace(text), r.observers)
	r.track(tr)
	defer r.untrack(tr.req.ID)

	slog.Info("request received", "request", tr.req.ID, "policy", r.cfg.Policy)

	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	resp := r.resolve(reqCtx, tr)
	r.save(tr)

	if resp.Error != nil {
		slog.Info("request failed", "request", resp.RequestID, "status", resp.Status, "kind", resp.Error.Kind, "error", resp.Error.Message)
		return resp, resp.Error
	}
	slog.Info("request completed", "request", resp.RequestID, "complete", resp.Complete)
	return resp, nil
}

func (r *Router) resolve(ctx context.Context, tr *tracker) *Response {
	if tr.req.Text == "" {
		return r.fail(tr, nil, protocol.Planning("empty request"))
	}

	tr.setRequestStatus(RequestPlanning)
	plan, perr := r.plan(ctx, tr)
	if perr != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx, tr, nil)
		}
		return r.fail(tr, nil, perr)
	}

	tr.setRequestStatus(RequestDispatching)
	x := newRun(r, tr, plan)
	x.execute(ctx)
	if ctx.Err() != nil {
		return r.interrupted(ctx, tr, nil)
	}

	tr.setRequestStatus(RequestAggregating)
	facts, failed := x.aggregate()
	if failed != nil {
		cause := failed.Error
		if cause == nil {
			cause = protocol.Execution("", "task did not succeed", false)
		}
		agg := protocol.Aggregation("required task %q %s: %s", failed.Slot, failed.Status, cause.Message)
		return r.respond(tr, RequestFailed, failureMessage(cause), &facts, agg)
	}

	tr.setRequestStatus(RequestSynthesizing)
	reply, perr := x.synthesize(ctx, facts)
	if perr != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx, tr, &facts)
		}
		return r.fail(tr, &facts, perr)
	}
	return r.respond(tr, RequestCompleted, reply, &facts, nil)
}

// plan asks the backend for a decomposition and validates it. Retryable
// backend failures are retried within the task budget.
func (r *Router) plan(ctx context.Context, tr *tracker) (*planner.ExecutionPlan, *protocol.Error) {
	req := llm.DecomposeRequest{Text: tr.req.Text, Capabilities: r.caps.Describe()}

	var last *protocol.Error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		plan, err := r.backend.Decompose(ctx, req)
		if err != nil {
			last = protocol.AsError(err)
			if last.Retryable && ctx.Err() == nil {
				slog.Warn("decompose failed, retrying", "request", tr.req.ID, "attempt", attempt+1, "error", last.Message)
				continue
			}
			return nil, last
		}
		tr.setPlan(plan)
		exec, err := planner.BuildPlan(plan, r.caps)
		if err != nil {
			return nil, protocol.AsError(err)
		}
		// Every request ends in synthesis, so without a support agent no
		// data task may go out.
		if !r.caps.SupportsInstruction(protocol.RoleSupport, protocol.InstructionSynthesize) {
			return nil, protocol.Planning("no %s agent declares the %s instruction", protocol.RoleSupport, protocol.InstructionSynthesize)
		}
		slog.Info("request planned", "request", tr.req.ID, "tasks", len(exec.Order), "tiers", len(exec.Tiers))
		return exec, nil
	}
	return nil, last
}

func (r *Router) fail(tr *tracker, facts *protocol.FactSet, perr *protocol.Error) *Response {
	return r.respond(tr, RequestFailed, failureMessage(perr), facts, perr)
}

// interrupted answers a request whose context ended: timed out when the
// deadline passed, failed when the caller went away.
func (r *Router) interrupted(ctx context.Context, tr *tracker, facts *protocol.FactSet) *Response {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		perr := protocol.Timeout(fmt.Sprintf("request exceeded %s", r.cfg.RequestTimeout))
		return r.respond(tr, RequestTimedOut, failureMessage(perr), facts, perr)
	}
	return r.fail(tr, facts, protocol.TransportError(protocol.CodeCancelled, "request cancelled"))
}

func (r *Router) respond(tr *tracker, status RequestStatus, text string, facts *protocol.FactSet, perr *protocol.Error) *Response {
	tr.complete(status, text, facts, perr)
	return &Response{
		RequestID: tr.req.ID,
		Status:    status,
		Text:      text,
		Complete:  status == RequestCompleted && facts != nil && facts.Complete,
		Error:     perr,
	}
}

func (r *Router) track(tr *tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[tr.req.ID] = tr
}

func (r *Router) untrack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// Active returns snapshots of the requests currently being resolved,
// oldest first.
func (r *Router) Active() []*Request {
	r.mu.RLock()
	out := make([]*Request, 0, len(r.active))
	for _, tr := range r.active {
		out = append(out, tr.snapshot())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Request) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}
