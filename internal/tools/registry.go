package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Handler runs a validated call. Params have already been coerced to the
// types declared by the tool's spec.
type Handler func(ctx context.Context, params map[string]any) (any, error)

type Tool struct {
	Spec    protocol.ToolSpec
	Handler Handler
}

// Registry maps tool names to validated handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice is an error.
func (r *Registry) Register(spec protocol.ToolSpec, h Handler) error {
	if err := checkSpec(spec); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("tool %s: nil handler", spec.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.tools[spec.Name] = Tool{Spec: spec, Handler: h}
	r.order = append(r.order, spec.Name)
	return nil
}

// Specs lists registered tools in registration order.
func (r *Registry) Specs() []protocol.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]protocol.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec)
	}
	return specs
}

func (r *Registry) prepare(call protocol.ToolCall) (Tool, map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Tool]
	r.mu.RUnlock()
	if !ok {
		return Tool{}, nil, &ValidationError{Tool: call.Tool, Code: protocol.CodeUnknownTool, Reason: "unknown tool"}
	}
	params, err := validate(t.Spec, call.Params)
	if err != nil {
		return Tool{}, nil, err
	}
	return t, params, nil
}

// Invoke validates and runs a single call.
func (r *Registry) Invoke(ctx context.Context, call protocol.ToolCall) (any, error) {
	t, params, err := r.prepare(call)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, t, params)
}

// InvokeAll validates every call up front, then runs them in order and
// stops at the first failure. Results of earlier calls are discarded when a
// later one fails.
func (r *Registry) InvokeAll(ctx context.Context, calls []protocol.ToolCall) ([]any, error) {
	type prepared struct {
		tool   Tool
		params map[string]any
	}
	batch := make([]prepared, len(calls))
	for i, call := range calls {
		t, params, err := r.prepare(call)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		batch[i] = prepared{tool: t, params: params}
	}

	results := make([]any, 0, len(batch))
	for i, p := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := r.run(ctx, p.tool, p.params)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Registry) run(ctx context.Context, t Tool, params map[string]any) (any, error) {
	res, err := t.Handler(ctx, params)
	if err == nil {
		return res, nil
	}
	switch err.(type) {
	case *ValidationError, *ExecutionError:
		return nil, err
	}
	return nil, storeError(t.Spec.Name, err)
}
