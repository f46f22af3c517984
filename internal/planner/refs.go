package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

// RefKey marks a parameter value that is taken from a dependency's
// result: {"$ref": "<task_id>.<call_index>.<field>..."}.
const RefKey = "$ref"

type Ref struct {
	Task string
	Call int
	Path []string
}

func (r Ref) String() string {
	return strings.Join(append([]string{r.Task, strconv.Itoa(r.Call)}, r.Path...), ".")
}

// asRef reports whether v is a reference object and parses it.
func asRef(v any) (Ref, bool, error) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return Ref{}, false, nil
	}
	raw, ok := m[RefKey]
	if !ok {
		return Ref{}, false, nil
	}
	s, ok := raw.(string)
	if !ok {
		return Ref{}, true, fmt.Errorf("%s must be a string", RefKey)
	}
	ref, err := ParseRef(s)
	return ref, true, err
}

func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || parts[0] == "" {
		return Ref{}, fmt.Errorf("malformed reference %q", s)
	}
	call, err := strconv.Atoi(parts[1])
	if err != nil || call < 0 {
		return Ref{}, fmt.Errorf("reference %q: call index must be a non-negative integer", s)
	}
	for _, p := range parts[2:] {
		if p == "" {
			return Ref{}, fmt.Errorf("reference %q has an empty path segment", s)
		}
	}
	return Ref{Task: parts[0], Call: call, Path: parts[2:]}, nil
}

func collectRefs(v any) ([]Ref, error) {
	var refs []Ref
	var walk func(any) error
	walk = func(v any) error {
		if ref, ok, err := asRef(v); ok {
			if err != nil {
				return err
			}
			refs = append(refs, ref)
			return nil
		}
		switch x := v.(type) {
		case map[string]any:
			for _, child := range x {
				if err := walk(child); err != nil {
					return err
				}
			}
		case []any:
			for _, child := range x {
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if params, ok := v.(map[string]any); ok {
		for _, child := range params {
			if err := walk(child); err != nil {
				return nil, err
			}
		}
		return refs, nil
	}
	return refs, walk(v)
}

// Resolve returns a copy of calls with every reference replaced by the
// value found in results, which maps task ids to their ordered call
// results. Unresolvable references are validation errors.
func Resolve(calls []protocol.ToolCall, results map[string][]any) ([]protocol.ToolCall, error) {
	out := make([]protocol.ToolCall, len(calls))
	for i, c := range calls {
		params := make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			rv, err := resolveValue(v, results)
			if err != nil {
				return nil, protocol.Validation(protocol.CodeUnresolvedRef, fmt.Sprintf("%s.%s: %v", c.Tool, k, err))
			}
			params[k] = rv
		}
		out[i] = protocol.ToolCall{Tool: c.Tool, Params: params}
	}
	return out, nil
}

func resolveValue(v any, results map[string][]any) (any, error) {
	if ref, ok, err := asRef(v); ok {
		if err != nil {
			return nil, err
		}
		return lookupRef(ref, results)
	}
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, child := range x {
			rv, err := resolveValue(child, results)
			if err != nil {
				return nil, err
			}
			m[k] = rv
		}
		return m, nil
	case []any:
		a := make([]any, len(x))
		for i, child := range x {
			rv, err := resolveValue(child, results)
			if err != nil {
				return nil, err
			}
			a[i] = rv
		}
		return a, nil
	}
	return v, nil
}

func lookupRef(ref Ref, results map[string][]any) (any, error) {
	calls, ok := results[ref.Task]
	if !ok {
		return nil, fmt.Errorf("%s: task has no result", ref)
	}
	if ref.Call >= len(calls) {
		return nil, fmt.Errorf("%s: task has %d results", ref, len(calls))
	}
	cur := calls[ref.Call]
	for _, seg := range ref.Path {
		switch x := cur.(type) {
		case map[string]any:
			v, ok := x[seg]
			if !ok {
				return nil, fmt.Errorf("%s: no field %q", ref, seg)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(x) {
				return nil, fmt.Errorf("%s: bad index %q", ref, seg)
			}
			cur = x[i]
		default:
			return nil, fmt.Errorf("%s: cannot descend into %T", ref, cur)
		}
	}
	return cur, nil
}
