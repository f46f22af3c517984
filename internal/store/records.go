package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrConstraint        = errors.New("constraint violation")
	ErrUnknownCollection = errors.New("unknown collection")
)

// Record is one row keyed by column name.
type Record map[string]any

// Filter matches records whose columns equal the given values.
type Filter map[string]any

// Records is the only access path tool handlers have to stored data.
type Records interface {
	Get(ctx context.Context, collection string, id int64) (Record, error)
	List(ctx context.Context, collection string, filter Filter, limit int) ([]Record, error)
	Create(ctx context.Context, collection string, fields Record) (Record, error)
	Update(ctx context.Context, collection string, id int64, fields Record) (Record, error)
	Delete(ctx context.Context, collection string, id int64) error
}

var _ Records = (*Store)(nil)

func (s *Store) Get(ctx context.Context, collection string, id int64) (Record, error) {
	c, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, s.db, c, id)
}

func (s *Store) List(ctx context.Context, collection string, filter Filter, limit int) ([]Record, error) {
	c, err := lookup(collection)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + c.columnList() + ` FROM ` + c.table
	var args []any
	if len(filter) > 0 {
		keys := make([]string, 0, len(filter))
		for k := range filter {
			if !slices.Contains(c.columns, k) {
				return nil, fmt.Errorf("%w: %s has no field %q", ErrConstraint, collection, k)
			}
			keys = append(keys, k)
		}
		slices.Sort(keys)
		conds := make([]string, len(keys))
		for i, k := range keys {
			conds[i] = k + ` = ?`
			args = append(args, filter[k])
		}
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY ` + c.order
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := c.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) Create(ctx context.Context, collection string, fields Record) (Record, error) {
	c, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	keys, err := c.writableKeys(fields)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no fields to create %s", ErrConstraint, collection)
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = fields[k]
	}
	query := `INSERT INTO ` + c.table + ` (` + strings.Join(keys, `, `) + `) VALUES (` +
		strings.TrimSuffix(strings.Repeat(`?, `, len(keys)), `, `) + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapWriteError("create "+collection, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", collection, err)
	}
	return getRecord(ctx, s.db, c, id)
}

// Update changes the given fields inside a transaction and returns the
// record as stored afterwards.
func (s *Store) Update(ctx context.Context, collection string, id int64, fields Record) (Record, error) {
	c, err := lookup(collection)
	if err != nil {
		return nil, err
	}
	keys, err := c.writableKeys(fields)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no fields to update on %s", ErrConstraint, collection)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update %s: %w", collection, err)
	}
	defer tx.Rollback()

	if _, err := getRecord(ctx, tx, c, id); err != nil {
		return nil, err
	}

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+2)
	for _, k := range keys {
		sets = append(sets, k+` = ?`)
		args = append(args, fields[k])
	}
	if c.touch {
		sets = append(sets, `updated_at = CURRENT_TIMESTAMP`)
	}
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, `UPDATE `+c.table+` SET `+strings.Join(sets, `, `)+` WHERE id = ?`, args...); err != nil {
		return nil, wrapWriteError("update "+collection, err)
	}

	r, err := getRecord(ctx, tx, c, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", collection, err)
	}
	return r, nil
}

func (s *Store) Delete(ctx context.Context, collection string, id int64) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE id = ?`, id)
	if err != nil {
		return wrapWriteError("delete "+collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", collection, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", ErrNotFound, collection, id)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q querier, c *collection, id int64) (Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+c.columnList()+` FROM `+c.table+` WHERE id = ?`, id)
	r, err := c.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %d", ErrNotFound, c.name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.name, err)
	}
	return r, nil
}

func wrapWriteError(op string, err error) error {
	if strings.Contains(err.Error(), "constraint failed") {
		return fmt.Errorf("%s: %w: %v", op, ErrConstraint, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// normalize turns driver values into JSON-friendly ones.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	}
	return v
}
