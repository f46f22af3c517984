package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Router.MaxRetries != 2 {
		t.Errorf("expected max_retries 2, got %d", cfg.Router.MaxRetries)
	}
	if cfg.Router.TaskTimeout != 5*time.Second {
		t.Errorf("expected task_timeout 5s, got %v", cfg.Router.TaskTimeout)
	}
	if cfg.Router.Policy != "retry" {
		t.Errorf("expected policy retry, got %s", cfg.Router.Policy)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Agents.Data != "agent.data" {
		t.Errorf("expected data address agent.data, got %s", cfg.Agents.Data)
	}
	if cfg.Store.Path != "data/records.db" {
		t.Errorf("expected store path data/records.db, got %s", cfg.Store.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("CONCIERGE_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("CONCIERGE_NATS_URL", "nats://bus:4222")
	t.Setenv("CONCIERGE_MAX_RETRIES", "4")
	t.Setenv("CONCIERGE_TASK_TIMEOUT", "2s")
	t.Setenv("CONCIERGE_POLICY", "replan")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CONCIERGE_WEB_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("expected nats url override, got %s", cfg.NATS.URL)
	}
	if cfg.Router.MaxRetries != 4 {
		t.Errorf("expected max_retries 4, got %d", cfg.Router.MaxRetries)
	}
	if cfg.Router.TaskTimeout != 2*time.Second {
		t.Errorf("expected task_timeout 2s, got %v", cfg.Router.TaskTimeout)
	}
	if cfg.Router.Policy != "replan" {
		t.Errorf("expected policy replan, got %s", cfg.Router.Policy)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected api key sk-test, got %s", cfg.LLM.APIKey)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
router:
  max_retries: 3
  task_timeout: 1s
  request_timeout: 10s
  policy: retry_then_replan
  refresh_schedule: "*/5 * * * *"
agents:
  data: "agent.records"
llm:
  model: "${TEST_MODEL}"
web:
  enabled: false
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONCIERGE_CONFIG", cfgPath)
	t.Setenv("TEST_MODEL", "gpt-test")
	t.Setenv("CONCIERGE_LLM_MODEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Router.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", cfg.Router.MaxRetries)
	}
	if cfg.Router.Policy != "retry_then_replan" {
		t.Errorf("expected retry_then_replan, got %s", cfg.Router.Policy)
	}
	if cfg.Router.RefreshSchedule != "*/5 * * * *" {
		t.Errorf("unexpected refresh schedule %q", cfg.Router.RefreshSchedule)
	}
	if cfg.Agents.Data != "agent.records" {
		t.Errorf("expected agent.records, got %s", cfg.Agents.Data)
	}
	if cfg.Agents.Support != "agent.support" {
		t.Errorf("expected default support address to survive, got %s", cfg.Agents.Support)
	}
	if cfg.LLM.Model != "gpt-test" {
		t.Errorf("expected env-expanded model gpt-test, got %s", cfg.LLM.Model)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative retries", func(c *Config) { c.Router.MaxRetries = -1 }},
		{"zero task timeout", func(c *Config) { c.Router.TaskTimeout = 0 }},
		{"request shorter than task", func(c *Config) { c.Router.RequestTimeout = time.Second }},
		{"unknown policy", func(c *Config) { c.Router.Policy = "pray" }},
		{"missing data address", func(c *Config) { c.Agents.Data = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestShippedConfigLoads(t *testing.T) {
	t.Setenv("CONCIERGE_CONFIG", filepath.Join("..", "..", "config", "concierge.yaml"))
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected api key from env expansion, got %q", cfg.LLM.APIKey)
	}
	if cfg.Router.RefreshSchedule == "" {
		t.Error("expected a refresh schedule")
	}
	if cfg.Protocol.CompressThreshold != 64*1024 {
		t.Errorf("expected compress threshold 65536, got %d", cfg.Protocol.CompressThreshold)
	}
}
