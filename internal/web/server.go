package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/concierge/internal/config"
	"github.com/mtzanidakis/concierge/internal/natsbus"
	"github.com/mtzanidakis/concierge/internal/router"
	"github.com/mtzanidakis/concierge/internal/store"
	"github.com/nats-io/nats.go"
)

// Requests is the archive the API reads finished requests from.
type Requests interface {
	GetRequest(ctx context.Context, id string) (*store.ArchivedRequest, error)
	ListRequests(ctx context.Context, limit int) ([]store.ArchivedRequest, error)
}

// EventSource is the bus the router publishes lifecycle events on. Embedded
// is set when this process runs the NATS server; otherwise URL is dialled.
// A zero EventSource disables the websocket feed.
type EventSource struct {
	URL      string
	Embedded *natsbus.Bus
}

func (e EventSource) url() string {
	if e.Embedded != nil {
		return e.Embedded.ClientURL()
	}
	return e.URL
}

// Server is the HTTP front door: customers submit requests, operators
// inspect the archive and follow lifecycle events over a websocket.
type Server struct {
	router    *router.Router
	requests  Requests
	events    EventSource
	nats      *natsbus.Client
	hub       *Hub
	sessions  *sessions
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(rtr *router.Router, requests Requests, events EventSource, cfg config.WebConfig, version string) *Server {
	return &Server{
		router:    rtr,
		requests:  requests,
		events:    events,
		hub:       NewHub(),
		sessions:  newSessions(sessionMaxAge),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the API with its middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Auth endpoints (public)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("/api/ws", s.handleWebSocket)

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.sessions.run(ctx, sessionSweepEvery)

	if err := s.subscribeEvents(); err != nil {
		return err
	}
	defer func() {
		if s.nats != nil {
			if err := s.nats.Drain(); err != nil {
				s.nats.Close()
			}
		}
	}()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.protected(r.URL.Path) && !s.authenticated(w, r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// protected reports whether path needs a session or basic auth. Login and
// the auth check stay public so the UI can find out it must log in. Logout
// is public too: it only revokes, and checking the session first would slide
// the cookie it is about to clear.
func (s *Server) protected(path string) bool {
	if s.cfg.Auth == "" || !strings.HasPrefix(path, "/api/") {
		return false
	}
	switch path {
	case "/api/login", "/api/logout", "/api/auth/check":
		return false
	}
	return true
}

// authenticated accepts a live session cookie or, for programmatic
// clients, the password as Basic Auth.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && s.sessions.touch(cookie.Value) {
		s.setSessionCookie(w, cookie.Value, int(sessionMaxAge.Seconds()))
		return true
	}
	if _, pass, ok := r.BasicAuth(); ok && s.passwordMatches(pass) {
		return true
	}
	return false
}

func (s *Server) passwordMatches(password string) bool {
	return subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Auth)) == 1
}

// setSessionCookie writes token; a negative maxAge clears the cookie.
func (s *Server) setSessionCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(body.Password) {
		slog.Warn("failed login", "remote", r.RemoteAddr)
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.sessions.create()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, int(sessionMaxAge.Seconds()))
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessions.revoke(cookie.Value)
	}
	s.setSessionCookie(w, "", -1)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	// No auth configured, the UI skips login
	if s.cfg.Auth == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authenticated(w, r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

// subscribeEvents relays router lifecycle events from the bus to websocket
// clients.
func (s *Server) subscribeEvents() error {
	url := s.events.url()
	if url == "" {
		return nil
	}
	client, err := natsbus.NewClientFromURL(url, natsbus.AgentOptions("concierge-web")...)
	if err != nil {
		return fmt.Errorf("web server nats client: %w", err)
	}
	s.nats = client

	_, err = client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event router.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "error", err)
			return
		}
		s.hub.Broadcast(Event{Type: event.Type, RequestID: event.RequestID, Payload: event})
	})
	if err != nil {
		client.Close()
		s.nats = nil
		return fmt.Errorf("subscribe events: %w", err)
	}
	return nil
}
