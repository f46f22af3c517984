package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is one agent's connection to the bus.
type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus, opts ...nats.Option) (*Client, error) {
	return NewClientFromURL(bus.ClientURL(), opts...)
}

func NewClientFromURL(url string, opts ...nats.Option) (*Client, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// AgentOptions names the connection after the agent and keeps it
// reconnecting for the life of the process. Connection state changes are
// logged, since a disconnected agent silently stops answering.
func AgentOptions(name string) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "name", name, "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "name", name, "url", c.ConnectedUrl())
		}),
	}
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishMsg(msg *nats.Msg) error {
	return c.conn.PublishMsg(msg)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// ChanSubscribe delivers into ch. Agent inboxes use it so the receiving loop
// controls its own pace.
func (c *Client) ChanSubscribe(topic string, ch chan *nats.Msg) (*nats.Subscription, error) {
	return c.conn.ChanSubscribe(topic, ch)
}

// RequestMsg sends msg and waits for a single reply until ctx is done.
func (c *Client) RequestMsg(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	return c.conn.RequestMsgWithContext(ctx, msg)
}

func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Drain lets pending deliveries and replies go out before the connection
// closes.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) Close() {
	c.conn.Close()
}
