package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

var knownTypes = []string{TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray}

func checkSpec(spec protocol.ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool without a name")
	}
	seen := make(map[string]bool, len(spec.Params))
	for _, p := range spec.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter without a name", spec.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %q", spec.Name, p.Name)
		}
		seen[p.Name] = true
		if !slices.Contains(knownTypes, p.Type) {
			return fmt.Errorf("tool %s: parameter %q has unknown type %q", spec.Name, p.Name, p.Type)
		}
	}
	return nil
}

// validate checks params against spec and returns a copy with values
// coerced to their declared types. Null values count as absent.
func validate(spec protocol.ToolSpec, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for name := range params {
		if !slices.ContainsFunc(spec.Params, func(p protocol.ParamSpec) bool { return p.Name == name }) {
			return nil, &ValidationError{Tool: spec.Name, Param: name, Code: protocol.CodeUnknownParameter, Reason: "unknown parameter"}
		}
	}
	for _, p := range spec.Params {
		v, ok := params[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, &ValidationError{Tool: spec.Name, Param: p.Name, Code: protocol.CodeMissingParameter, Reason: "required parameter missing"}
			}
			continue
		}
		cv, ok := coerce(p.Type, v)
		if !ok {
			return nil, &ValidationError{
				Tool:   spec.Name,
				Param:  p.Name,
				Code:   protocol.CodeInvalidType,
				Reason: fmt.Sprintf("expected %s, got %T", p.Type, v),
			}
		}
		out[p.Name] = cv
	}
	return out, nil
}

func coerce(typ string, v any) (any, bool) {
	switch typ {
	case TypeString:
		s, ok := v.(string)
		return s, ok
	case TypeInteger:
		return toInt(v)
	case TypeNumber:
		return toFloat(v)
	case TypeBoolean:
		b, ok := v.(bool)
		return b, ok
	case TypeObject:
		m, ok := v.(map[string]any)
		return m, ok
	case TypeArray:
		a, ok := v.([]any)
		return a, ok
	}
	return nil, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
