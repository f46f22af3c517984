package router

import (
	"log/slog"

	"github.com/mtzanidakis/concierge/internal/natsbus"
)

// Publisher forwards lifecycle events to the bus on
// events.request.<request_id>.
type Publisher struct {
	client *natsbus.Client
}

func NewPublisher(client *natsbus.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Observe(e Event) {
	if err := p.client.PublishJSON(natsbus.TopicEventsRequest(e.RequestID), e); err != nil {
		slog.Warn("publish event failed", "request", e.RequestID, "type", e.Type, "error", err)
	}
}
