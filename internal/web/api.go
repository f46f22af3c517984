package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/mtzanidakis/concierge/internal/router"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Requests
	mux.HandleFunc("POST /api/requests", s.createRequest)
	mux.HandleFunc("GET /api/requests", s.listRequests)
	mux.HandleFunc("GET /api/requests/{id}", s.getRequest)

	// Agents
	mux.HandleFunc("GET /api/capabilities", s.listCapabilities)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		jsonError(w, "text is required", http.StatusBadRequest)
		return
	}

	resp, _ := s.router.HandleRequest(r.Context(), body.Text)
	jsonStatus(w, responseCode(resp), resp)
}

// responseCode maps a response to an HTTP status. The body always carries
// the customer-facing text.
func responseCode(resp *router.Response) int {
	switch resp.Status {
	case router.RequestCompleted:
		return http.StatusOK
	case router.RequestTimedOut:
		return http.StatusGatewayTimeout
	}
	if resp.Error != nil {
		switch resp.Error.Kind {
		case protocol.ErrorPlanning:
			return http.StatusUnprocessableEntity
		case protocol.ErrorTransport:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusBadGateway
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	reqs, err := s.requests.ListRequests(r.Context(), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(reqs))
	for _, req := range reqs {
		entry := map[string]any{
			"id":         req.ID,
			"text":       req.Text,
			"status":     req.Status,
			"response":   req.Response,
			"created_at": formatTime(req.CreatedAt),
		}
		if req.ErrorKind != "" {
			entry["error_kind"] = req.ErrorKind
		}
		if req.CompletedAt != nil {
			entry["duration"] = req.CompletedAt.Sub(req.CreatedAt).Round(time.Millisecond).String()
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Requests still being resolved are only known to the router.
	for _, req := range s.router.Active() {
		if req.ID == id {
			jsonResponse(w, req)
			return
		}
	}

	req, err := s.requests.GetRequest(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req == nil {
		jsonError(w, "request not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, req)
}

func (s *Server) listCapabilities(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.router.Capabilities().List())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	caps := s.router.Capabilities().List()
	roles := make([]string, 0, len(caps))
	for _, c := range caps {
		roles = append(roles, string(c.Role))
	}

	cfg := s.router.Config()
	status := map[string]any{
		"status":          "ok",
		"active_requests": len(s.router.Active()),
		"roles":           roles,
		"policy":          cfg.Policy,
		"max_retries":     cfg.MaxRetries,
		"uptime":          formatUptime(time.Since(s.startedAt)),
		"nats":            "disabled",
		"timestamp":       time.Now().UTC(),
		"version":         s.version,
	}
	switch {
	case s.events.Embedded != nil:
		status["nats"] = "embedded"
		status["nats_clients"] = s.events.Embedded.NumClients()
	case s.events.URL != "":
		status["nats"] = "external"
	}
	if s.nats != nil && !s.nats.Connected() {
		status["nats"] = "disconnected"
	}

	jsonResponse(w, status)
}

func formatTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
