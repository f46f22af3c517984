package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/mtzanidakis/concierge/internal/store"
)

const (
	defaultListStatus = "active"
	defaultListLimit  = 20
	maxListLimit      = 200
	defaultPriority   = "medium"
)

var customerFields = []string{"name", "email", "phone", "status"}

// CustomerTools are the customer and ticket operations the data agent
// exposes. Handlers reach records only through store.Records.
type CustomerTools struct {
	records store.Records
	locks   *Locks
}

func NewCustomerTools(records store.Records, locks *Locks) *CustomerTools {
	if locks == nil {
		locks = NewLocks()
	}
	return &CustomerTools{records: records, locks: locks}
}

// Register adds every customer and ticket tool to r.
func (c *CustomerTools) Register(r *Registry) error {
	tools := []struct {
		spec protocol.ToolSpec
		h    Handler
	}{
		{protocol.ToolSpec{
			Name:        "get_customer",
			Description: "Get a customer record by id.",
			Params: []protocol.ParamSpec{
				{Name: "customer_id", Type: TypeInteger, Required: true, Description: "customer id"},
			},
		}, c.getCustomer},
		{protocol.ToolSpec{
			Name:        "list_customers",
			Description: "List customers with a given status.",
			Params: []protocol.ParamSpec{
				{Name: "status", Type: TypeString, Description: "active or disabled, default active"},
				{Name: "limit", Type: TypeInteger, Description: "maximum results, default 20"},
			},
		}, c.listCustomers},
		{protocol.ToolSpec{
			Name:        "update_customer",
			Description: "Update name, email, phone or status of a customer.",
			Params: []protocol.ParamSpec{
				{Name: "customer_id", Type: TypeInteger, Required: true, Description: "customer id"},
				{Name: "data", Type: TypeObject, Required: true, Description: "fields to change"},
			},
			Mutates: true,
		}, c.updateCustomer},
		{protocol.ToolSpec{
			Name:        "create_ticket",
			Description: "Open a support ticket for a customer.",
			Params: []protocol.ParamSpec{
				{Name: "customer_id", Type: TypeInteger, Required: true, Description: "customer id"},
				{Name: "issue", Type: TypeString, Required: true, Description: "issue description"},
				{Name: "priority", Type: TypeString, Description: "low, medium or high, default medium"},
			},
			Mutates: true,
		}, c.createTicket},
		{protocol.ToolSpec{
			Name:        "get_customer_history",
			Description: "List every ticket of a customer, newest first.",
			Params: []protocol.ParamSpec{
				{Name: "customer_id", Type: TypeInteger, Required: true, Description: "customer id"},
			},
		}, c.customerHistory},
		{protocol.ToolSpec{
			Name:        "get_ticket",
			Description: "Get a ticket by id.",
			Params: []protocol.ParamSpec{
				{Name: "id", Type: TypeInteger, Required: true, Description: "ticket id"},
			},
		}, c.getTicket},
		{protocol.ToolSpec{
			Name:        "list_tickets",
			Description: "List tickets filtered by status, priority or customer.",
			Params: []protocol.ParamSpec{
				{Name: "status", Type: TypeString, Description: "open, in_progress or resolved"},
				{Name: "priority", Type: TypeString, Description: "low, medium or high"},
				{Name: "customer_id", Type: TypeInteger, Description: "customer id"},
				{Name: "limit", Type: TypeInteger, Description: "maximum results, default 20"},
			},
		}, c.listTickets},
		{protocol.ToolSpec{
			Name:        "update_ticket",
			Description: "Change the status or priority of a ticket.",
			Params: []protocol.ParamSpec{
				{Name: "id", Type: TypeInteger, Required: true, Description: "ticket id"},
				{Name: "status", Type: TypeString, Description: "open, in_progress or resolved"},
				{Name: "priority", Type: TypeString, Description: "low, medium or high"},
			},
			Mutates: true,
		}, c.updateTicket},
	}
	for _, t := range tools {
		if err := r.Register(t.spec, t.h); err != nil {
			return err
		}
	}
	return nil
}

func (c *CustomerTools) getCustomer(ctx context.Context, p map[string]any) (any, error) {
	id := p["customer_id"].(int64)
	rec, err := c.records.Get(ctx, store.Customers, id)
	if err != nil {
		return nil, c.lookupError("get_customer", "customer", id, err)
	}
	return rec, nil
}

func (c *CustomerTools) listCustomers(ctx context.Context, p map[string]any) (any, error) {
	status := stringParam(p, "status", defaultListStatus)
	if err := oneOf("list_customers", "status", status, store.CustomerStatuses); err != nil {
		return nil, err
	}
	limit, err := limitParam("list_customers", p)
	if err != nil {
		return nil, err
	}
	return c.records.List(ctx, store.Customers, store.Filter{"status": status}, limit)
}

func (c *CustomerTools) updateCustomer(ctx context.Context, p map[string]any) (any, error) {
	id := p["customer_id"].(int64)
	data := p["data"].(map[string]any)
	if len(data) == 0 {
		return nil, &ValidationError{Tool: "update_customer", Param: "data", Code: protocol.CodeInvalidValue, Reason: "no fields to update"}
	}
	patch := make(store.Record, len(data))
	for k, v := range data {
		if !slices.Contains(customerFields, k) {
			return nil, &ValidationError{
				Tool:   "update_customer",
				Param:  "data",
				Code:   protocol.CodeInvalidValue,
				Reason: fmt.Sprintf("field %q cannot be updated, allowed: %s", k, strings.Join(customerFields, ", ")),
			}
		}
		s, ok := v.(string)
		if !ok {
			return nil, &ValidationError{Tool: "update_customer", Param: "data", Code: protocol.CodeInvalidType, Reason: fmt.Sprintf("field %q must be a string", k)}
		}
		patch[k] = s
	}
	if status, ok := patch["status"].(string); ok {
		if err := oneOf("update_customer", "data", status, store.CustomerStatuses); err != nil {
			return nil, err
		}
	}

	unlock := c.locks.Lock(RecordKey(store.Customers, id))
	defer unlock()

	rec, err := c.records.Update(ctx, store.Customers, id, patch)
	if err != nil {
		return nil, c.lookupError("update_customer", "customer", id, err)
	}
	return rec, nil
}

func (c *CustomerTools) createTicket(ctx context.Context, p map[string]any) (any, error) {
	customerID := p["customer_id"].(int64)
	issue := strings.TrimSpace(p["issue"].(string))
	if issue == "" {
		return nil, &ValidationError{Tool: "create_ticket", Param: "issue", Code: protocol.CodeInvalidValue, Reason: "issue must not be empty"}
	}
	priority := stringParam(p, "priority", defaultPriority)
	if err := oneOf("create_ticket", "priority", priority, store.TicketPriorities); err != nil {
		return nil, err
	}

	// Hold the customer so it cannot change underneath the new ticket.
	unlock := c.locks.Lock(RecordKey(store.Customers, customerID))
	defer unlock()

	if _, err := c.records.Get(ctx, store.Customers, customerID); err != nil {
		return nil, c.lookupError("create_ticket", "customer", customerID, err)
	}
	rec, err := c.records.Create(ctx, store.Tickets, store.Record{
		"customer_id": customerID,
		"issue":       issue,
		"priority":    priority,
		"status":      "open",
	})
	if err != nil {
		return nil, storeError("create_ticket", err)
	}
	return rec, nil
}

func (c *CustomerTools) customerHistory(ctx context.Context, p map[string]any) (any, error) {
	id := p["customer_id"].(int64)
	if _, err := c.records.Get(ctx, store.Customers, id); err != nil {
		return nil, c.lookupError("get_customer_history", "customer", id, err)
	}
	tickets, err := c.records.List(ctx, store.Tickets, store.Filter{"customer_id": id}, 0)
	if err != nil {
		return nil, storeError("get_customer_history", err)
	}
	return map[string]any{"customer_id": id, "tickets": tickets}, nil
}

func (c *CustomerTools) getTicket(ctx context.Context, p map[string]any) (any, error) {
	id := p["id"].(int64)
	rec, err := c.records.Get(ctx, store.Tickets, id)
	if err != nil {
		return nil, c.lookupError("get_ticket", "ticket", id, err)
	}
	return ticketView(rec), nil
}

func (c *CustomerTools) listTickets(ctx context.Context, p map[string]any) (any, error) {
	filter := store.Filter{}
	if status, ok := p["status"].(string); ok {
		if err := oneOf("list_tickets", "status", status, store.TicketStatuses); err != nil {
			return nil, err
		}
		filter["status"] = status
	}
	if priority, ok := p["priority"].(string); ok {
		if err := oneOf("list_tickets", "priority", priority, store.TicketPriorities); err != nil {
			return nil, err
		}
		filter["priority"] = priority
	}
	if id, ok := p["customer_id"].(int64); ok {
		filter["customer_id"] = id
	}
	limit, err := limitParam("list_tickets", p)
	if err != nil {
		return nil, err
	}
	recs, err := c.records.List(ctx, store.Tickets, filter, limit)
	if err != nil {
		return nil, storeError("list_tickets", err)
	}
	out := make([]map[string]any, len(recs))
	for i, r := range recs {
		out[i] = ticketView(r)
	}
	return out, nil
}

func (c *CustomerTools) updateTicket(ctx context.Context, p map[string]any) (any, error) {
	id := p["id"].(int64)
	patch := store.Record{}
	if status, ok := p["status"].(string); ok {
		if err := oneOf("update_ticket", "status", status, store.TicketStatuses); err != nil {
			return nil, err
		}
		patch["status"] = status
	}
	if priority, ok := p["priority"].(string); ok {
		if err := oneOf("update_ticket", "priority", priority, store.TicketPriorities); err != nil {
			return nil, err
		}
		patch["priority"] = priority
	}
	if len(patch) == 0 {
		return nil, &ValidationError{Tool: "update_ticket", Code: protocol.CodeMissingParameter, Reason: "status or priority is required"}
	}

	unlock := c.locks.Lock(RecordKey(store.Tickets, id))
	defer unlock()

	rec, err := c.records.Update(ctx, store.Tickets, id, patch)
	if err != nil {
		return nil, c.lookupError("update_ticket", "ticket", id, err)
	}
	return ticketView(rec), nil
}

func (c *CustomerTools) lookupError(tool, what string, id int64, err error) error {
	e := storeError(tool, err)
	if e.Code == protocol.CodeNotFound {
		return notFound(tool, "%s %d not found", what, id)
	}
	return e
}

// ticketView renames the primary key so facts read unambiguously.
func ticketView(r store.Record) map[string]any {
	return map[string]any{
		"ticket_id":   r["id"],
		"customer_id": r["customer_id"],
		"issue":       r["issue"],
		"status":      r["status"],
		"priority":    r["priority"],
		"created_at":  r["created_at"],
	}
}

func stringParam(p map[string]any, name, def string) string {
	if s, ok := p[name].(string); ok && s != "" {
		return s
	}
	return def
}

func limitParam(tool string, p map[string]any) (int, error) {
	n, ok := p["limit"].(int64)
	if !ok {
		return defaultListLimit, nil
	}
	if n <= 0 || n > maxListLimit {
		return 0, &ValidationError{Tool: tool, Param: "limit", Code: protocol.CodeInvalidValue, Reason: fmt.Sprintf("limit must be between 1 and %d", maxListLimit)}
	}
	return int(n), nil
}

func oneOf(tool, param, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return &ValidationError{
		Tool:   tool,
		Param:  param,
		Code:   protocol.CodeInvalidValue,
		Reason: fmt.Sprintf("%q is not one of %s", value, strings.Join(allowed, ", ")),
	}
}
