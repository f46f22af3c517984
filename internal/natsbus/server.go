package natsbus

import (
	"fmt"
	"time"

	"github.com/mtzanidakis/concierge/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const (
	serverName   = "concierge"
	readyTimeout = 5 * time.Second
)

// Bus is an in-process NATS server used when no external URL is configured.
// All agents of a `serve` process and any `ask` clients connect to it.
type Bus struct {
	server *natsserver.Server
}

func New(cfg config.NATSConfig) (*Bus, error) {
	opts := &natsserver.Options{
		ServerName: serverName,
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}

	return &Bus{server: ns}, nil
}

// ClientURL is the address agents dial. With a random port it reflects the
// port actually bound.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// NumClients counts connected agents and clients.
func (b *Bus) NumClients() int {
	return b.server.NumClients()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
