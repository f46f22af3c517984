package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/mtzanidakis/concierge/internal/registry"
)

type DiscoverFunc func(ctx context.Context) ([]protocol.Capability, error)

// Refresher re-runs discovery on a cron schedule and swaps the result into
// the registry.
type Refresher struct {
	schedule string
	caps     *registry.Registry
	discover DiscoverFunc
	timeout  time.Duration
}

func NewRefresher(schedule string, caps *registry.Registry, discover DiscoverFunc) (*Refresher, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid refresh schedule %q", schedule)
	}
	return &Refresher{
		schedule: schedule,
		caps:     caps,
		discover: discover,
		timeout:  10 * time.Second,
	}, nil
}

// Refresh runs discovery once. A partial answer keeps the current set, so
// a briefly unreachable agent does not drop out of the registry.
func (f *Refresher) Refresh(ctx context.Context) (registry.Diff, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	caps, err := f.discover(ctx)
	if err != nil {
		return registry.Diff{}, fmt.Errorf("discover: %w", err)
	}
	diff, err := f.caps.Replace(caps)
	if err != nil {
		return registry.Diff{}, fmt.Errorf("replace capabilities: %w", err)
	}
	return diff, nil
}

func (f *Refresher) Run(ctx context.Context) {
	slog.Info("capability refresh started", "schedule", f.schedule)

	for {
		next, err := gronx.NextTick(f.schedule, false)
		if err != nil {
			slog.Error("capability refresh stopped", "schedule", f.schedule, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("capability refresh stopped")
			return
		case <-timer.C:
		}

		diff, err := f.Refresh(ctx)
		if err != nil {
			slog.Warn("capability refresh failed", "error", err)
			continue
		}
		if diff.HasChanges() {
			slog.Info("capabilities changed", "added", diff.Added, "removed", diff.Removed, "changed", diff.Changed)
		}
	}
}
