package store

import (
	"fmt"
	"slices"
	"strings"
)

const (
	Customers = "customers"
	Tickets   = "tickets"
)

// Customer and ticket domains, mirrored by the table CHECK constraints.
var (
	CustomerStatuses = []string{"active", "disabled"}
	TicketStatuses   = []string{"open", "in_progress", "resolved"}
	TicketPriorities = []string{"low", "medium", "high"}
)

type collection struct {
	name     string
	table    string
	columns  []string
	writable []string
	order    string
	// touch bumps updated_at on every update.
	touch bool
}

var collections = map[string]*collection{
	Customers: {
		name:     Customers,
		table:    "customers",
		columns:  []string{"id", "name", "email", "phone", "status", "created_at", "updated_at"},
		writable: []string{"name", "email", "phone", "status"},
		order:    "id",
		touch:    true,
	},
	Tickets: {
		name:     Tickets,
		table:    "tickets",
		columns:  []string{"id", "customer_id", "issue", "status", "priority", "created_at"},
		writable: []string{"customer_id", "issue", "status", "priority"},
		order:    "created_at DESC, id DESC",
	},
}

func lookup(name string) (*collection, error) {
	c, ok := collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	return c, nil
}

func (c *collection) columnList() string {
	return strings.Join(c.columns, ", ")
}

// writableKeys returns the sorted field names, rejecting any column that
// callers may not set.
func (c *collection) writableKeys(fields Record) ([]string, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !slices.Contains(c.writable, k) {
			return nil, fmt.Errorf("%w: field %q of %s is not writable", ErrConstraint, k, c.name)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (c *collection) scan(scanner interface {
	Scan(dest ...any) error
}) (Record, error) {
	vals := make([]any, len(c.columns))
	ptrs := make([]any, len(c.columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := scanner.Scan(ptrs...); err != nil {
		return nil, err
	}
	r := make(Record, len(c.columns))
	for i, col := range c.columns {
		r[col] = normalize(vals[i])
	}
	return r, nil
}
