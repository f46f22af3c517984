package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/concierge/internal/natsbus"
	"github.com/nats-io/nats.go"
)

const inboxBuffer = 64

// NATSTransport carries envelopes as NATS request/reply messages. Agent
// addresses are subjects.
type NATSTransport struct {
	client  *natsbus.Client
	codec   *Codec
	self    Role
	timeout time.Duration
}

func NewNATSTransport(client *natsbus.Client, codec *Codec, self Role, timeout time.Duration) *NATSTransport {
	return &NATSTransport{
		client:  client,
		codec:   codec,
		self:    self,
		timeout: timeout,
	}
}

func (t *NATSTransport) Send(ctx context.Context, env Envelope, address string) (Envelope, error) {
	if _, ok := ctx.Deadline(); !ok && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	msg, err := t.message(address, env)
	if err != nil {
		return Envelope{}, err
	}

	resp, err := t.client.RequestMsg(ctx, msg)
	if err != nil {
		return Envelope{}, sendError(address, err)
	}
	return t.decode(resp)
}

func (t *NATSTransport) Notify(_ context.Context, env Envelope, address string) error {
	msg, err := t.message(address, env)
	if err != nil {
		return err
	}
	if err := t.client.PublishMsg(msg); err != nil {
		return TransportError(CodeUnavailable, fmt.Sprintf("publish to %s: %v", address, err))
	}
	return nil
}

func (t *NATSTransport) Listen(address string) (Inbox, error) {
	in := &natsInbox{
		transport: t,
		address:   address,
		ch:        make(chan *nats.Msg, inboxBuffer),
		done:      make(chan struct{}),
	}
	sub, err := t.client.ChanSubscribe(address, in.ch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", address, err)
	}
	in.sub = sub
	if err := t.client.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", address, err)
	}
	return in, nil
}

func (t *NATSTransport) message(subject string, env Envelope) (*nats.Msg, error) {
	data, compressed, err := t.codec.Encode(env)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	if compressed {
		msg.Header.Set(HeaderContentEncoding, EncodingZstd)
	}
	return msg, nil
}

func (t *NATSTransport) decode(msg *nats.Msg) (Envelope, error) {
	compressed := msg.Header != nil && msg.Header.Get(HeaderContentEncoding) == EncodingZstd
	return t.codec.Decode(msg.Data, compressed)
}

func sendError(address string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return Timeout(fmt.Sprintf("no reply from %s in time", address))
	case errors.Is(err, nats.ErrNoResponders):
		return TransportError(CodeNoResponders, fmt.Sprintf("no agent listening on %s", address))
	case errors.Is(err, context.Canceled):
		return TransportError(CodeCancelled, fmt.Sprintf("send to %s cancelled", address))
	}
	return TransportError(CodeUnavailable, fmt.Sprintf("send to %s: %v", address, err))
}

type natsInbox struct {
	transport *NATSTransport
	address   string
	sub       *nats.Subscription
	ch        chan *nats.Msg
	done      chan struct{}
	closeOnce sync.Once
}

// Receive returns the next well-formed envelope. Undecodable messages are
// answered with a validation error and skipped.
func (in *natsInbox) Receive(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-in.done:
			return nil, ErrInboxClosed
		case msg := <-in.ch:
			env, err := in.transport.decode(msg)
			if err != nil {
				slog.Warn("dropping malformed message", "address", in.address, "error", err)
				in.rejectMalformed(msg, err)
				continue
			}
			return NewDelivery(env, in.replier(msg)), nil
		}
	}
}

func (in *natsInbox) replier(msg *nats.Msg) func(Envelope) error {
	if msg.Reply == "" {
		return nil
	}
	subject := msg.Reply
	return func(env Envelope) error {
		out, err := in.transport.message(subject, env)
		if err != nil {
			return err
		}
		return in.transport.client.PublishMsg(out)
	}
}

func (in *natsInbox) rejectMalformed(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	env := Envelope{
		Version: Version,
		Kind:    KindTaskError,
		Sender:  in.transport.self,
		Error:   AsError(err),
	}
	if err := in.replier(msg)(env); err != nil {
		slog.Warn("reply to malformed message failed", "address", in.address, "error", err)
	}
}

func (in *natsInbox) Close() error {
	var err error
	in.closeOnce.Do(func() {
		close(in.done)
		err = in.sub.Unsubscribe()
	})
	return err
}
