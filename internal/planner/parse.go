package planner

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mtzanidakis/concierge/internal/protocol"
)

// ParsePlan extracts a plan from backend output. Markdown code fences and
// text around the outermost JSON object are ignored. Unknown fields are
// rejected so a misspelled key cannot silently drop a dependency.
func ParsePlan(text string) (Plan, error) {
	body := strings.TrimSpace(text)
	if i := strings.Index(body, "```"); i >= 0 {
		body = body[i+3:]
		body = strings.TrimPrefix(body, "json")
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
	}
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return Plan{}, protocol.Planning("backend returned no plan object")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(body[start : end+1])))
	dec.DisallowUnknownFields()
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return Plan{}, protocol.Planning("backend returned a malformed plan: %v", err)
	}
	return p, nil
}
