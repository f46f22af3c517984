package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Scripted is a deterministic Backend driven by functions. Unset functions
// fall back to a fixed plan and a plain rendering of the facts.
type Scripted struct {
	DecomposeFunc  func(ctx context.Context, req DecomposeRequest) (planner.Plan, error)
	SynthesizeFunc func(ctx context.Context, facts protocol.FactSet) (string, error)
	Plan           planner.Plan

	mu          sync.Mutex
	decomposed  []DecomposeRequest
	synthesized []protocol.FactSet
}

var _ Backend = (*Scripted)(nil)

func (s *Scripted) Decompose(ctx context.Context, req DecomposeRequest) (planner.Plan, error) {
	s.mu.Lock()
	s.decomposed = append(s.decomposed, req)
	s.mu.Unlock()
	if s.DecomposeFunc != nil {
		return s.DecomposeFunc(ctx, req)
	}
	if len(s.Plan.Tasks) == 0 {
		return planner.Plan{}, protocol.Planning("no plan scripted for %q", req.Text)
	}
	return s.Plan, nil
}

func (s *Scripted) Synthesize(ctx context.Context, facts protocol.FactSet) (string, error) {
	s.mu.Lock()
	s.synthesized = append(s.synthesized, facts)
	s.mu.Unlock()
	if s.SynthesizeFunc != nil {
		return s.SynthesizeFunc(ctx, facts)
	}
	return RenderFacts(facts), nil
}

func (s *Scripted) DecomposeCalls() []DecomposeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DecomposeRequest(nil), s.decomposed...)
}

func (s *Scripted) SynthesizeCalls() []protocol.FactSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.FactSet(nil), s.synthesized...)
}

// RenderFacts writes facts as "source: json" lines.
func RenderFacts(facts protocol.FactSet) string {
	var b strings.Builder
	for _, f := range facts.Facts {
		data, err := json.Marshal(f.Data)
		if err != nil {
			data = []byte(fmt.Sprint(f.Data))
		}
		fmt.Fprintf(&b, "%s: %s\n", f.Source, data)
	}
	return strings.TrimSpace(b.String())
}
