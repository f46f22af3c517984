// Package agent runs protocol agents: a listening loop shared by every role,
// plus the data and support handlers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/concierge/internal/natsbus"
	"github.com/mtzanidakis/concierge/internal/protocol"
)

// Handler is the role-specific part of an agent.
type Handler interface {
	Capability() protocol.Capability
	// Handle runs one task and returns the task_result payload.
	Handle(ctx context.Context, env protocol.Envelope, req protocol.TaskRequest) (any, error)
}

// Failure is a handler error that still carries a payload for the
// task_error reply.
type Failure struct {
	Err     *protocol.Error
	Payload any
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Server answers envelopes addressed to one agent. Every delivery is
// handled on its own goroutine.
type Server struct {
	listener protocol.Listener
	handler  Handler
	role     protocol.Role
	address  string
	running  *inflight
	wg       sync.WaitGroup
}

func NewServer(listener protocol.Listener, h Handler) *Server {
	c := h.Capability()
	return &Server{
		listener: listener,
		handler:  h,
		role:     c.Role,
		address:  c.Address,
		running:  newInflight(),
	}
}

func (s *Server) Address() string {
	return s.address
}

// Run serves until ctx is done. In-flight tasks are cancelled and awaited
// before it returns.
func (s *Server) Run(ctx context.Context) error {
	inbox, err := s.listener.Listen(s.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.address, err)
	}
	cancelInbox, err := s.listener.Listen(natsbus.TopicCancel(s.address))
	if err != nil {
		_ = inbox.Close()
		return fmt.Errorf("listen %s: %w", natsbus.TopicCancel(s.address), err)
	}

	slog.Info("agent listening", "role", s.role, "address", s.address)

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.serve(ctx, inbox)
	}()
	go func() {
		defer loops.Done()
		s.serve(ctx, cancelInbox)
	}()

	<-ctx.Done()
	_ = inbox.Close()
	_ = cancelInbox.Close()
	loops.Wait()
	s.wg.Wait()

	slog.Info("agent stopped", "role", s.role)
	return nil
}

func (s *Server) serve(ctx context.Context, inbox protocol.Inbox) {
	for {
		d, err := inbox.Receive(ctx)
		if err != nil {
			if !errors.Is(err, protocol.ErrInboxClosed) && ctx.Err() == nil {
				slog.Error("receive failed", "role", s.role, "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, d)
		}()
	}
}

func (s *Server) handle(ctx context.Context, d *protocol.Delivery) {
	env := d.Envelope
	if err := env.Validate(); err != nil {
		slog.Warn("rejecting envelope", "role", s.role, "kind", env.Kind, "error", err)
		s.reply(d, env.ErrorReply(s.role, protocol.AsError(err), nil))
		return
	}

	switch env.Kind {
	case protocol.KindCapabilityQuery:
		reply, err := env.Reply(protocol.KindCapabilityResponse, s.role, s.handler.Capability())
		if err != nil {
			slog.Error("build capability response", "role", s.role, "error", err)
			return
		}
		s.reply(d, reply)

	case protocol.KindTaskCancel:
		if n := s.running.cancel(env.TaskID, env.Attempt); n > 0 {
			slog.Info("task cancelled", "role", s.role, "task", env.TaskID, "request", env.RequestID, "attempt", env.Attempt)
		}

	case protocol.KindTaskRequest:
		// A published request has no reply subject; its result would be
		// lost, and mutating tools would run unobserved.
		if !d.ExpectsReply() {
			slog.Warn("dropping task request without reply address", "role", s.role, "task", env.TaskID, "request", env.RequestID)
			return
		}
		s.runTask(ctx, d)

	default:
		s.reply(d, env.ErrorReply(s.role, protocol.Validation(protocol.CodeUnsupported,
			fmt.Sprintf("%s agent does not accept %s", s.role, env.Kind)), nil))
	}
}

func (s *Server) runTask(ctx context.Context, d *protocol.Delivery) {
	env := d.Envelope
	var req protocol.TaskRequest
	if err := env.Decode(&req); err != nil {
		s.reply(d, env.ErrorReply(s.role, protocol.Validation(protocol.CodeMalformed, err.Error()), nil))
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	s.running.add(env.TaskID, env.Attempt, cancel)
	defer func() {
		s.running.remove(env.TaskID, env.Attempt)
		cancel()
	}()

	slog.Debug("task started", "role", s.role, "task", env.TaskID, "request", env.RequestID, "attempt", env.Attempt)

	result, err := s.handler.Handle(taskCtx, env, req)
	if err != nil {
		perr := protocol.AsError(err)
		var payload any
		var f *Failure
		if errors.As(err, &f) {
			payload = f.Payload
		}
		slog.Info("task failed", "role", s.role, "task", env.TaskID, "kind", perr.Kind, "code", perr.Code, "error", perr.Message)
		s.reply(d, env.ErrorReply(s.role, perr, payload))
		return
	}

	reply, err := env.Reply(protocol.KindTaskResult, s.role, result)
	if err != nil {
		s.reply(d, env.ErrorReply(s.role, protocol.Execution(protocol.CodeMalformed, err.Error(), false), nil))
		return
	}
	slog.Debug("task succeeded", "role", s.role, "task", env.TaskID)
	s.reply(d, reply)
}

func (s *Server) reply(d *protocol.Delivery, env protocol.Envelope) {
	if err := d.Reply(env); err != nil {
		slog.Warn("reply failed", "role", s.role, "task", env.TaskID, "error", err)
	}
}
