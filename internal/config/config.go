package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Router   RouterConfig   `yaml:"router"`
	Agents   AgentsConfig   `yaml:"agents"`
	LLM      LLMConfig      `yaml:"llm"`
	Web      WebConfig      `yaml:"web"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// NATSConfig selects the message bus. When URL is empty an embedded server
// is started on Host:Port.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ProtocolConfig struct {
	SendTimeout       time.Duration `yaml:"send_timeout"`
	CompressThreshold int           `yaml:"compress_threshold"`
}

type RouterConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	Policy          string        `yaml:"policy"`
	ArchivePath     string        `yaml:"archive_path"`
	RefreshSchedule string        `yaml:"refresh_schedule"`
}

// AgentsConfig is the static address list handed to the router at startup.
type AgentsConfig struct {
	Router  string `yaml:"router"`
	Data    string `yaml:"data"`
	Support string `yaml:"support"`
}

type LLMConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/records.db",
		},
		Protocol: ProtocolConfig{
			SendTimeout:       5 * time.Second,
			CompressThreshold: 64 * 1024,
		},
		Router: RouterConfig{
			MaxRetries:     2,
			TaskTimeout:    5 * time.Second,
			RequestTimeout: 30 * time.Second,
			Policy:         "retry",
			ArchivePath:    "data/router.db",
		},
		Agents: AgentsConfig{
			Router:  "agent.router",
			Data:    "agent.data",
			Support: "agent.support",
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     20 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONCIERGE_CONFIG")
	if path == "" {
		path = "config/concierge.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file, defaults + env only
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONCIERGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CONCIERGE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("CONCIERGE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONCIERGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONCIERGE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Router.MaxRetries = n
		}
	}
	if v := os.Getenv("CONCIERGE_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Router.TaskTimeout = d
		}
	}
	if v := os.Getenv("CONCIERGE_POLICY"); v != "" {
		cfg.Router.Policy = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CONCIERGE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CONCIERGE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CONCIERGE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
}

// Validate rejects settings the router and agents cannot run with.
func (c *Config) Validate() error {
	if c.Router.MaxRetries < 0 {
		return fmt.Errorf("router.max_retries must be >= 0, got %d", c.Router.MaxRetries)
	}
	if c.Router.TaskTimeout <= 0 {
		return fmt.Errorf("router.task_timeout must be positive")
	}
	if c.Router.RequestTimeout < c.Router.TaskTimeout {
		return fmt.Errorf("router.request_timeout (%s) must not be shorter than router.task_timeout (%s)",
			c.Router.RequestTimeout, c.Router.TaskTimeout)
	}
	switch c.Router.Policy {
	case "retry", "replan", "retry_then_replan":
	default:
		return fmt.Errorf("router.policy %q is not one of retry, replan, retry_then_replan", c.Router.Policy)
	}
	if c.Agents.Router == "" || c.Agents.Data == "" || c.Agents.Support == "" {
		return fmt.Errorf("agents.router, agents.data and agents.support addresses are required")
	}
	if c.Protocol.CompressThreshold < 0 {
		return fmt.Errorf("protocol.compress_threshold must be >= 0")
	}
	return nil
}
