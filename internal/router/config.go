package router

import (
	"fmt"
	"time"

	"github.com/mtzanidakis/concierge/internal/config"
)

// Policy decides what the router does when a sub-task fails.
type Policy string

const (
	// PolicyRetry re-dispatches the same task.
	PolicyRetry Policy = "retry"
	// PolicyReplan asks the backend for a revised task instead.
	PolicyReplan Policy = "replan"
	// PolicyRetryThenReplan retries until one attempt is left, then replans.
	PolicyRetryThenReplan Policy = "retry_then_replan"
)

func (p Policy) valid() bool {
	switch p {
	case PolicyRetry, PolicyReplan, PolicyRetryThenReplan:
		return true
	}
	return false
}

type Config struct {
	// MaxRetries bounds retries plus replans for one task.
	MaxRetries     int
	TaskTimeout    time.Duration
	RequestTimeout time.Duration
	Policy         Policy
}

func ConfigFrom(cfg config.RouterConfig) Config {
	return Config{
		MaxRetries:     cfg.MaxRetries,
		TaskTimeout:    cfg.TaskTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Policy:         Policy(cfg.Policy),
	}
}

func (c *Config) applyDefaults() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Policy == "" {
		c.Policy = PolicyRetry
	}
	if !c.Policy.valid() {
		return fmt.Errorf("unknown policy %q", c.Policy)
	}
	return nil
}
