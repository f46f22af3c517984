package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mtzanidakis/concierge/internal/agent"
	"github.com/mtzanidakis/concierge/internal/config"
	"github.com/mtzanidakis/concierge/internal/llm"
	"github.com/mtzanidakis/concierge/internal/natsbus"
	"github.com/mtzanidakis/concierge/internal/protocol"
	"github.com/mtzanidakis/concierge/internal/registry"
	"github.com/mtzanidakis/concierge/internal/router"
	"github.com/mtzanidakis/concierge/internal/store"
	"github.com/mtzanidakis/concierge/internal/tools"
	"github.com/mtzanidakis/concierge/internal/web"
)

var version = "dev"

const discoveryTimeout = 30 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error
	switch cmd {
	case "version":
		fmt.Printf("concierge %s\n", version)
		return
	case "serve":
		err = runServe()
	case "agent":
		if len(os.Args) < 3 {
			printUsage()
			os.Exit(1)
		}
		err = runAgent(protocol.Role(os.Args[2]))
	case "seed":
		err = runSeed()
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: concierge <command>

Commands:
  serve                         Run the bus, all three agents and the web API in one process
  agent <data|support|router>   Run a single agent against nats.url
  seed                          Load sample customers and tickets into an empty store
  backup -f <file>              Write the record store and request archive to a tar.zst file
  restore -f <file>             Restore databases from a backup (-overwrite to replace)
  version                       Print version
`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg.Log))
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// node is one process's connection to the bus. The embedded server is only
// started when no external URL is configured.
type node struct {
	cfg    *config.Config
	bus    *natsbus.Bus
	client *natsbus.Client
	codec  *protocol.Codec
}

func newNode(cfg *config.Config, name string, embed bool) (*node, error) {
	n := &node{cfg: cfg}

	if cfg.NATS.URL == "" {
		if !embed {
			return nil, errors.New("nats.url is required to run a single agent")
		}
		bus, err := natsbus.New(cfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("init nats: %w", err)
		}
		n.bus = bus
		slog.Info("nats started", "port", cfg.NATS.Port)
	}

	url := cfg.NATS.URL
	if n.bus != nil {
		url = n.bus.ClientURL()
	}
	client, err := natsbus.NewClientFromURL(url, natsbus.AgentOptions(name)...)
	if err != nil {
		n.close()
		return nil, err
	}
	n.client = client

	codec, err := protocol.NewCodec(cfg.Protocol.CompressThreshold)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("init codec: %w", err)
	}
	n.codec = codec
	return n, nil
}

func (n *node) transport(role protocol.Role) *protocol.NATSTransport {
	return protocol.NewNATSTransport(n.client, n.codec, role, n.cfg.Protocol.SendTimeout)
}

func (n *node) close() {
	if n.codec != nil {
		n.codec.Close()
	}
	if n.client != nil {
		n.client.Close()
	}
	if n.bus != nil {
		n.bus.Close()
	}
}

// components collects what a process started so shutdown can release it in
// reverse order.
type components struct {
	servers []*agent.Server
	closers []func() error
	router  *router.Router
	archive *store.Store
	refresh *router.Refresher
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func (n *node) startData(c *components) error {
	records, err := store.New(n.cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	c.closers = append(c.closers, records.Close)
	slog.Info("store initialized", "path", n.cfg.Store.Path)

	reg := tools.NewRegistry()
	if err := tools.NewCustomerTools(records, nil).Register(reg); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	c.servers = append(c.servers, agent.NewServer(n.transport(protocol.RoleData), agent.NewData(reg, n.cfg.Agents.Data)))
	return nil
}

func (n *node) startSupport(c *components) error {
	backend, err := llm.NewOpenAI(n.cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm backend: %w", err)
	}
	c.servers = append(c.servers, agent.NewServer(n.transport(protocol.RoleSupport), agent.NewSupport(backend, n.cfg.Agents.Support)))
	return nil
}

// startRouter discovers the data and support agents, so it must run after
// their servers are listening.
func (n *node) startRouter(ctx context.Context, c *components) error {
	backend, err := llm.NewOpenAI(n.cfg.LLM)
	if err != nil {
		return fmt.Errorf("init llm backend: %w", err)
	}

	tr := n.transport(protocol.RoleRouter)
	addresses := []string{n.cfg.Agents.Data, n.cfg.Agents.Support}

	caps, err := discover(ctx, tr, addresses)
	if err != nil {
		return fmt.Errorf("discover agents: %w", err)
	}
	capReg, err := registry.New(caps...)
	if err != nil {
		return fmt.Errorf("init capability registry: %w", err)
	}
	for _, capability := range capReg.List() {
		slog.Info("agent discovered", "role", capability.Role, "address", capability.Address,
			"tools", len(capability.Tools), "version", capability.Version)
	}

	archive, err := store.New(config.StoreConfig{Path: n.cfg.Router.ArchivePath})
	if err != nil {
		return fmt.Errorf("init request archive: %w", err)
	}
	c.closers = append(c.closers, archive.Close)
	c.archive = archive

	rtr, err := router.New(router.ConfigFrom(n.cfg.Router), capReg, tr, backend,
		router.WithArchive(archive),
		router.WithObserver(router.NewPublisher(n.client)),
	)
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}
	c.router = rtr
	c.servers = append(c.servers, agent.NewServer(tr, router.NewHandler(rtr, n.cfg.Agents.Router)))

	if schedule := n.cfg.Router.RefreshSchedule; schedule != "" {
		refresh, err := router.NewRefresher(schedule, capReg, func(ctx context.Context) ([]protocol.Capability, error) {
			return router.Discover(ctx, tr, addresses)
		})
		if err != nil {
			return fmt.Errorf("init capability refresh: %w", err)
		}
		c.refresh = refresh
	}
	return nil
}

// discover retries until every address answers, since agents started in
// the same breath may not be subscribed yet.
func discover(ctx context.Context, tr protocol.Transport, addresses []string) ([]protocol.Capability, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	for {
		caps, err := router.Discover(ctx, tr, addresses)
		if err == nil {
			return caps, nil
		}
		slog.Debug("waiting for agents", "error", err)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// run serves c until a signal arrives or an agent fails to listen. failed
// carries errors from servers started before run; it may be nil.
func (n *node) run(ctx context.Context, cancel context.CancelFunc, c *components, servers []*agent.Server, failed <-chan error) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(servers)+2)

	for _, srv := range servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	if c.refresh != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.refresh.Run(ctx)
		}()
		slog.Info("capability refresh scheduled", "schedule", n.cfg.Router.RefreshSchedule)
	}

	if n.cfg.Web.Enabled && c.router != nil {
		events := web.EventSource{URL: n.cfg.NATS.URL, Embedded: n.bus}
		srv := web.NewServer(c.router, c.archive, events, n.cfg.Web, version)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				errCh <- fmt.Errorf("web server: %w", err)
			}
		}()
		slog.Info("web server started", "port", n.cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	err := waitShutdown(sigCh, errCh, failed)
	cancel()
	wg.Wait()
	return err
}

// waitShutdown blocks until a signal or the first error from the servers
// run started or from those started before it. A nil channel never fires.
func waitShutdown(sigCh <-chan os.Signal, errCh, failed <-chan error) error {
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
		return nil
	case err := <-errCh:
		slog.Error("shutting down", "error", err)
		return err
	case err := <-failed:
		slog.Error("shutting down", "error", err)
		return err
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting concierge", "version", version)

	n, err := newNode(cfg, "concierge", true)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &components{}
	defer c.close()

	if err := n.startData(c); err != nil {
		return err
	}
	if err := n.startSupport(c); err != nil {
		return err
	}

	// The data and support agents have to answer discovery before the
	// router can be built, so they start serving first.
	var wg sync.WaitGroup
	agentCtx, stopAgents := context.WithCancel(ctx)
	defer func() {
		stopAgents()
		wg.Wait()
	}()
	errCh := make(chan error, len(c.servers))
	for _, srv := range c.servers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(agentCtx); err != nil {
				errCh <- err
			}
		}()
	}

	if err := n.startRouter(ctx, c); err != nil {
		return err
	}

	routerServer := c.servers[len(c.servers)-1]
	return n.run(agentCtx, stopAgents, c, []*agent.Server{routerServer}, errCh)
}

func runAgent(role protocol.Role) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting concierge agent", "role", role, "version", version)

	n, err := newNode(cfg, "concierge-"+string(role), false)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &components{}
	defer c.close()

	switch role {
	case protocol.RoleData:
		err = n.startData(c)
	case protocol.RoleSupport:
		err = n.startSupport(c)
	case protocol.RoleRouter:
		err = n.startRouter(ctx, c)
	default:
		return fmt.Errorf("unknown agent role %q", role)
	}
	if err != nil {
		return err
	}
	return n.run(ctx, cancel, c, c.servers, nil)
}

func runSeed() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	records, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer records.Close()

	seeded, err := records.Seed(context.Background())
	if err != nil {
		return err
	}
	if seeded {
		fmt.Printf("Seeded sample data into %s\n", cfg.Store.Path)
	} else {
		fmt.Printf("%s already has customers, nothing to do\n", cfg.Store.Path)
	}
	return nil
}
