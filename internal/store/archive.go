package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ArchivedRequest is a finished request as kept for inspection.
type ArchivedRequest struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	Status      string          `json:"status"`
	Response    string          `json:"response,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	Facts       json.RawMessage `json:"facts,omitempty"`
	Tasks       []ArchivedTask  `json:"tasks,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type ArchivedTask struct {
	TaskID   string `json:"task_id"`
	Slot     string `json:"slot"`
	Role     string `json:"role"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Required bool   `json:"required"`
	Replaces string `json:"replaces,omitempty"`
	Error    string `json:"error,omitempty"`
}

const requestColumns = `id, text, status, response, error_kind, plan, facts, created_at, completed_at`

func scanRequest(scanner interface {
	Scan(dest ...any) error
}) (*ArchivedRequest, error) {
	r := &ArchivedRequest{}
	var response, errorKind, plan, facts *string
	err := scanner.Scan(&r.ID, &r.Text, &r.Status, &response, &errorKind, &plan, &facts, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if response != nil {
		r.Response = *response
	}
	if errorKind != nil {
		r.ErrorKind = *errorKind
	}
	if plan != nil {
		r.Plan = json.RawMessage(*plan)
	}
	if facts != nil {
		r.Facts = json.RawMessage(*facts)
	}
	return r, nil
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// SaveRequest writes the request and replaces its task rows atomically.
func (s *Store) SaveRequest(ctx context.Context, r *ArchivedRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save request: %w", err)
	}
	defer tx.Rollback()

	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (id, text, status, response, error_kind, plan, facts, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			response = excluded.response,
			error_kind = excluded.error_kind,
			plan = excluded.plan,
			facts = excluded.facts,
			completed_at = excluded.completed_at`,
		r.ID, r.Text, r.Status, r.Response, r.ErrorKind, nullable(r.Plan), nullable(r.Facts), created.UTC(), r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save request: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM request_tasks WHERE request_id = ?`, r.ID); err != nil {
		return fmt.Errorf("clear request tasks: %w", err)
	}
	for i, t := range r.Tasks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO request_tasks (request_id, task_id, slot, position, role, status, attempts, required, replaces, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, t.TaskID, t.Slot, i, t.Role, t.Status, t.Attempts, t.Required, t.Replaces, t.Error)
		if err != nil {
			return fmt.Errorf("save request task %s: %w", t.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit request: %w", err)
	}
	return nil
}

// GetRequest returns the archived request with its tasks, or nil if absent.
func (s *Store) GetRequest(ctx context.Context, id string) (*ArchivedRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, slot, role, status, attempts, required, replaces, error
		FROM request_tasks WHERE request_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("get request tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t ArchivedTask
		var replaces, errText *string
		if err := rows.Scan(&t.TaskID, &t.Slot, &t.Role, &t.Status, &t.Attempts, &t.Required, &replaces, &errText); err != nil {
			return nil, fmt.Errorf("scan request task: %w", err)
		}
		if replaces != nil {
			t.Replaces = *replaces
		}
		if errText != nil {
			t.Error = *errText
		}
		r.Tasks = append(r.Tasks, t)
	}
	return r, rows.Err()
}

// ListRequests returns the most recent requests first, without tasks.
func (s *Store) ListRequests(ctx context.Context, limit int) ([]ArchivedRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []ArchivedRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
