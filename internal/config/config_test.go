package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
server:
  log_level: ${SWARM_TEST_LOG:debug}
providers:
  - id: oai
    type: openai
    endpoint: ${SWARM_TEST_ENDPOINT:http://localhost:8080}
    api_key: ${SWARM_TEST_KEY}
    models: [gpt-test]
database:
  redis:
    url: redis://localhost:6379
  qdrant:
    host: localhost
memory:
  backend: redis
  max_short_term_items: 50
  dedup_window: 2m
swarm:
  name: research
  strategy: collaborative
  planning: jit
  max_loops: 4
  task_timeout: 30s
  retry:
    max_attempts: 2
    initial_delay: 500ms
agents:
  - id: writer
    provider: oai
    model: gpt-test
    tools: [current_time, remember]
  - id: critic
workflow_file: flows/review.yaml
`

func TestLoadYAML(t *testing.T) {
	t.Setenv("SWARM_TEST_ENDPOINT", "http://llm.internal")
	t.Setenv("SWARM_TEST_KEY", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "swarm.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Server.LogLevel)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Endpoint != "http://llm.internal" || cfg.Providers[0].APIKey != "" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Memory.Backend != "redis" || cfg.Memory.MaxShortTermItems != 50 || cfg.Memory.DedupWindow != 2*time.Minute {
		t.Errorf("memory = %+v", cfg.Memory)
	}
	if cfg.Swarm.Strategy != "collaborative" || cfg.Swarm.MaxLoops != 4 || cfg.Swarm.TaskTimeout != 30*time.Second {
		t.Errorf("swarm = %+v", cfg.Swarm)
	}
	if cfg.Swarm.Retry.MaxAttempts != 2 || cfg.Swarm.Retry.InitialDelay != 500*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Swarm.Retry)
	}
	if cfg.Database.Qdrant.Host != "localhost" {
		t.Errorf("qdrant = %+v", cfg.Database.Qdrant)
	}
	if want := filepath.Join(dir, "flows", "review.yaml"); cfg.WorkflowFile != want {
		t.Errorf("workflow file = %q, want %q", cfg.WorkflowFile, want)
	}

	a, ok := cfg.Agent("writer")
	if !ok || len(a.Tools) != 2 || a.Model != "gpt-test" {
		t.Errorf("writer = %+v, %v", a, ok)
	}
	if _, ok := cfg.Agent("nobody"); ok {
		t.Error("unexpected agent")
	}
}

func TestParseJSON(t *testing.T) {
	t.Setenv("SWARM_TEST_DSN", "postgres://x")
	cfg, err := Parse([]byte(`{"database":{"postgres":{"dsn":"${SWARM_TEST_DSN}"}},"agents":[{"id":"a"}]}`), ".json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://x" || len(cfg.Agents) != 1 {
		t.Errorf("config = %+v", cfg)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]byte("{"), ".json"); err == nil {
		t.Error("expected json error")
	}
	if _, err := Parse([]byte("swarm: [unclosed"), ".yml"); err == nil {
		t.Error("expected yaml error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}

func TestExpand(t *testing.T) {
	t.Setenv("SWARM_TEST_SET", "v")
	t.Setenv("SWARM_TEST_EMPTY", "")
	tests := []struct {
		in, want string
	}{
		{"${SWARM_TEST_SET}", "v"},
		{"${SWARM_TEST_SET:d}", "v"},
		{"${SWARM_TEST_EMPTY:d}", "d"},
		{"${SWARM_TEST_UNSET_XYZ}", ""},
		{"a-${SWARM_TEST_UNSET_XYZ:b:c}", "a-b:c"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := Expand(tt.in); got != tt.want {
			t.Errorf("Expand(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
