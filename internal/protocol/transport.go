package protocol

import (
	"context"
	"errors"
)

// ErrInboxClosed is returned by Receive after the inbox has been closed.
var ErrInboxClosed = errors.New("inbox closed")

// Transport moves envelopes between agent addresses.
type Transport interface {
	// Send delivers env to address and waits for the reply. It is bounded
	// by the context deadline, or the transport default when ctx has none.
	Send(ctx context.Context, env Envelope, address string) (Envelope, error)
	// Notify delivers env without waiting for a reply.
	Notify(ctx context.Context, env Envelope, address string) error
}

// Listener opens inboxes on agent addresses.
type Listener interface {
	Listen(address string) (Inbox, error)
}

type Inbox interface {
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Delivery is one received envelope plus the means to answer it.
type Delivery struct {
	Envelope Envelope
	reply    func(Envelope) error
}

func NewDelivery(env Envelope, reply func(Envelope) error) *Delivery {
	return &Delivery{Envelope: env, reply: reply}
}

// Reply answers the delivery. Notifications have nobody to answer and the
// call is a no-op.
func (d *Delivery) Reply(env Envelope) error {
	if d.reply == nil {
		return nil
	}
	return d.reply(env)
}

// ExpectsReply reports whether the sender is waiting for an answer.
func (d *Delivery) ExpectsReply() bool {
	return d.reply != nil
}
