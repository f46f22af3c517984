package store

import (
	"context"
	"fmt"
)

var sampleCustomers = []Record{
	{"name": "John Doe", "email": "john.doe@example.com", "phone": "+1-555-0101", "status": "active"},
	{"name": "Jane Smith", "email": "jane.smith@example.com", "phone": "+1-555-0102", "status": "active"},
	{"name": "Bob Johnson", "email": "bob.johnson@example.com", "phone": "+1-555-0103", "status": "disabled"},
	{"name": "Alice Williams", "email": "alice.w@techcorp.com", "phone": "+1-555-0104", "status": "active"},
	{"name": "Charlie Brown", "email": "charlie.brown@email.com", "phone": "+1-555-0105", "status": "active"},
	{"name": "Diana Prince", "email": "diana.prince@company.org", "phone": "+1-555-0106", "status": "active"},
	{"name": "Edward Norton", "email": "e.norton@business.net", "phone": "+1-555-0107", "status": "active"},
	{"name": "Fiona Green", "email": "fiona.green@startup.io", "phone": "+1-555-0108", "status": "disabled"},
	{"name": "George Miller", "email": "george.m@enterprise.com", "phone": "+1-555-0109", "status": "active"},
	{"name": "Hannah Lee", "email": "hannah.lee@global.com", "phone": "+1-555-0110", "status": "active"},
	{"name": "Isaac Newton", "email": "isaac.n@science.edu", "phone": "+1-555-0111", "status": "active"},
	{"name": "Julia Roberts", "email": "julia.r@movies.com", "phone": "+1-555-0112", "status": "active"},
	{"name": "Kevin Chen", "email": "kevin.chen@tech.io", "phone": "+1-555-0113", "status": "disabled"},
	{"name": "Laura Martinez", "email": "laura.m@solutions.com", "phone": "+1-555-0114", "status": "active"},
	{"name": "Michael Scott", "email": "michael.scott@paper.com", "phone": "+1-555-0115", "status": "active"},
}

var sampleTickets = []Record{
	{"customer_id": 1, "issue": "Cannot login to account", "status": "open", "priority": "high"},
	{"customer_id": 4, "issue": "Database connection timeout errors", "status": "in_progress", "priority": "high"},
	{"customer_id": 7, "issue": "Payment processing failing for all transactions", "status": "open", "priority": "high"},
	{"customer_id": 10, "issue": "Critical security vulnerability found", "status": "in_progress", "priority": "high"},
	{"customer_id": 14, "issue": "Website completely down", "status": "resolved", "priority": "high"},
	{"customer_id": 1, "issue": "Password reset not working", "status": "in_progress", "priority": "medium"},
	{"customer_id": 2, "issue": "Profile image upload fails", "status": "resolved", "priority": "medium"},
	{"customer_id": 5, "issue": "Email notifications not being received", "status": "open", "priority": "medium"},
	{"customer_id": 6, "issue": "Dashboard loading very slowly", "status": "in_progress", "priority": "medium"},
	{"customer_id": 9, "issue": "Export to CSV feature broken", "status": "open", "priority": "medium"},
	{"customer_id": 11, "issue": "Mobile app crashes on startup", "status": "resolved", "priority": "medium"},
	{"customer_id": 12, "issue": "Search functionality returning wrong results", "status": "in_progress", "priority": "medium"},
	{"customer_id": 15, "issue": "API rate limiting too restrictive", "status": "open", "priority": "medium"},
	{"customer_id": 2, "issue": "Billing question about invoice", "status": "resolved", "priority": "low"},
	{"customer_id": 2, "issue": "Feature request: dark mode", "status": "open", "priority": "low"},
	{"customer_id": 3, "issue": "Documentation outdated for API v2", "status": "open", "priority": "low"},
	{"customer_id": 5, "issue": "Typo in welcome email", "status": "resolved", "priority": "low"},
	{"customer_id": 6, "issue": "Request for additional language support", "status": "open", "priority": "low"},
	{"customer_id": 9, "issue": "Font size too small on settings page", "status": "resolved", "priority": "low"},
	{"customer_id": 11, "issue": "Feature request: export to PDF", "status": "open", "priority": "low"},
	{"customer_id": 12, "issue": "Color scheme suggestion for better contrast", "status": "open", "priority": "low"},
	{"customer_id": 14, "issue": "Request access to beta features", "status": "in_progress", "priority": "low"},
	{"customer_id": 15, "issue": "Question about pricing plans", "status": "resolved", "priority": "low"},
	{"customer_id": 4, "issue": "Feature request: integration with Slack", "status": "open", "priority": "low"},
	{"customer_id": 10, "issue": "Suggestion: add keyboard shortcuts", "status": "open", "priority": "low"},
}

// Seed loads the sample customers and tickets into an empty store. It is a
// no-op when customers already exist.
func (s *Store) Seed(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers`).Scan(&n); err != nil {
		return false, fmt.Errorf("count customers: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	for _, c := range sampleCustomers {
		if _, err := s.Create(ctx, Customers, c); err != nil {
			return false, fmt.Errorf("seed customer: %w", err)
		}
	}
	for _, t := range sampleTickets {
		if _, err := s.Create(ctx, Tickets, t); err != nil {
			return false, fmt.Errorf("seed ticket: %w", err)
		}
	}
	return true, nil
}
