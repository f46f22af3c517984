package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mtzanidakis/concierge/internal/store"
)

// Archive keeps finished requests. *store.Store satisfies it.
type Archive interface {
	SaveRequest(ctx context.Context, r *store.ArchivedRequest) error
}

func (r *Router) save(tr *tracker) {
	if r.archive == nil {
		return
	}
	rec := archived(tr.snapshot())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.archive.SaveRequest(ctx, rec); err != nil {
		slog.Error("archive request failed", "request", rec.ID, "error", err)
	}
}

func archived(req *Request) *store.ArchivedRequest {
	rec := &store.ArchivedRequest{
		ID:          req.ID,
		Text:        req.Text,
		Status:      string(req.Status),
		Response:    req.Response,
		CreatedAt:   req.CreatedAt,
		CompletedAt: req.CompletedAt,
	}
	if req.Error != nil {
		rec.ErrorKind = string(req.Error.Kind)
	}
	if req.Plan != nil {
		rec.Plan, _ = json.Marshal(req.Plan)
	}
	if req.Facts != nil {
		rec.Facts, _ = json.Marshal(req.Facts)
	}
	for _, t := range req.Tasks {
		at := store.ArchivedTask{
			TaskID:   t.ID,
			Slot:     t.Slot,
			Role:     string(t.Role),
			Status:   string(t.Status),
			Attempts: t.Attempts,
			Required: t.Required,
			Replaces: t.Replaces,
		}
		if t.Error != nil {
			at.Error = t.Error.Error()
		}
		rec.Tasks = append(rec.Tasks, at)
	}
	return rec
}
