// Package llm is the text-generation side of the system: turning a request
// into a plan, and a fact set into prose.
package llm

import (
	"context"

	"github.com/mtzanidakis/concierge/internal/planner"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Failure is the feedback handed back to Decompose when a sub-task failed
// and the router wants a revised one.
type Failure struct {
	Task    planner.PlannedTask
	Error   *protocol.Error
	Attempt int
}

type DecomposeRequest struct {
	Text string
	// Capabilities is the plain-text rendering of what each role can do.
	Capabilities string
	// Feedback is set when replanning a single failed task. The backend
	// must answer with a plan holding exactly one replacement task.
	Feedback *Failure
}

type Backend interface {
	Decompose(ctx context.Context, req DecomposeRequest) (planner.Plan, error)
	Synthesize(ctx context.Context, facts protocol.FactSet) (string, error)
}
