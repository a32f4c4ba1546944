package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseYAML(t *testing.T) {
	t.Setenv("CLICKTRAIL_SERVER_URL", "")
	content := `
log_level: debug
tracking:
  enabled: true
  rule_set:
    submit-btn: Submit Order
    btn-secondary: Cancel
delivery:
  server_url: http://collector.local/track-clickData
  flush_interval_ms: 5000
  buffer_threshold: 20
`
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Tracking.RuleSet["submit-btn"] != "Submit Order" {
		t.Fatalf("rule set: %v", cfg.Tracking.RuleSet)
	}
	if cfg.Delivery.FlushInterval() != 5*time.Second {
		t.Fatalf("flush interval: %s", cfg.Delivery.FlushInterval())
	}
	if len(cfg.Tracking.MarkerAttributes) == 0 || cfg.Tracking.InputAttribute != "click-input-id" {
		t.Fatalf("defaults not applied")
	}
}

func TestParseJSON(t *testing.T) {
	t.Setenv("CLICKTRAIL_SERVER_URL", "")
	cfg, err := Parse([]byte(`{"tracking":{"enabled":false},"delivery":{"server_url":"https://x.example/c"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Tracking.Enabled {
		t.Fatalf("expected tracking disabled")
	}
	if cfg.Delivery.BufferThreshold != 20 {
		t.Fatalf("threshold default lost: %d", cfg.Delivery.BufferThreshold)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CLICKTRAIL_SERVER_URL", "http://env.example/track")
	cfg, err := Parse([]byte(`log_level: info`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Delivery.ServerURL != "http://env.example/track" {
		t.Fatalf("server url: %s", cfg.Delivery.ServerURL)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("CLICKTRAIL_SERVER_URL", "")
	t.Setenv("CLICKTRAIL_COLLECTOR_DSN", "file:other.db")
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Delivery.BufferThreshold != 20 || cfg.Delivery.FlushInterval() != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg.Delivery)
	}
	if cfg.Collector.Storage.DSN != "file:other.db" {
		t.Fatalf("collector dsn override: %q", cfg.Collector.Storage.DSN)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"relative url":      func(c *Config) { c.Delivery.ServerURL = "/track" },
		"unknown transport": func(c *Config) { c.Delivery.Transport = "carrier-pigeon" },
		"kafka no topic": func(c *Config) {
			c.Delivery.Transport = TransportKafka
			c.Delivery.Kafka.Brokers = []string{"localhost:9092"}
		},
		"negative threshold": func(c *Config) { c.Delivery.BufferThreshold = -1 },
		"empty marker":       func(c *Config) { c.Tracking.MarkerAttributes = []string{" "} },
		"ingest kafka topic":  func(c *Config) { c.Ingest.Kafka.Brokers = []string{"localhost:9092"} },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestManagerReload(t *testing.T) {
	t.Setenv("CLICKTRAIL_SERVER_URL", "")
	path := filepath.Join(t.TempDir(), "clicktrail.yaml")
	if err := os.WriteFile(path, []byte("tracking:\n  rule_set:\n    a: A\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().Tracking.RuleSet["a"] != "A" {
		t.Fatalf("initial load")
	}
	if err := os.WriteFile(path, []byte("tracking:\n  rule_set:\n    b: B\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("expected reload needed: %v %v", needs, err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Tracking.RuleSet["b"] != "B" || m.Get().Tracking.RuleSet["b"] != "B" {
		t.Fatalf("reloaded rules: %v", cfg.Tracking.RuleSet)
	}
}
