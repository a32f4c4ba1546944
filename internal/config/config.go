package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Tracking  TrackingConfig  `json:"tracking" yaml:"tracking"`
	Delivery  DeliveryConfig  `json:"delivery" yaml:"delivery"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Watch     WatchConfig     `json:"watch" yaml:"watch"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Collector CollectorConfig `json:"collector" yaml:"collector"`
}

type TrackingConfig struct {
	Enabled           bool              `json:"enabled" yaml:"enabled"`
	RuleSet           map[string]string `json:"rule_set" yaml:"rule_set"`
	MarkerAttributes  []string          `json:"marker_attributes" yaml:"marker_attributes"`
	InputAttribute    string            `json:"input_attribute" yaml:"input_attribute"`
	DropdownAttribute string            `json:"dropdown_attribute" yaml:"dropdown_attribute"`
}

type DeliveryConfig struct {
	ServerURL        string      `json:"server_url" yaml:"server_url"`
	Transport        string      `json:"transport" yaml:"transport"`
	FlushIntervalMs  int         `json:"flush_interval_ms" yaml:"flush_interval_ms"`
	BufferThreshold  int         `json:"buffer_threshold" yaml:"buffer_threshold"`
	RequestTimeoutMs int         `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	BeaconTimeoutMs  int         `json:"beacon_timeout_ms" yaml:"beacon_timeout_ms"`
	SendImmediate    bool        `json:"send_immediate" yaml:"send_immediate"`
	Kafka            KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id,omitempty" yaml:"group_id,omitempty"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type WatchConfig struct {
	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	File          string      `json:"file" yaml:"file"`
	StartAtEnd    bool        `json:"start_at_end" yaml:"start_at_end"`
	TCPAddr       string      `json:"tcp_addr" yaml:"tcp_addr"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type CollectorConfig struct {
	Addr           string        `json:"addr" yaml:"addr"`
	Path           string        `json:"path" yaml:"path"`
	Storage        StorageConfig `json:"storage" yaml:"storage"`
	Forward        KafkaConfig   `json:"forward" yaml:"forward"`
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
	MaxBodyBytes   int64         `json:"max_body_bytes" yaml:"max_body_bytes"`
	HistorySize    int           `json:"history_size" yaml:"history_size"`
}

const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

func DefaultMarkerAttributes() []string {
	return []string{"data-track-id", "click-btn-id", "click-id", "click-dd-id", "click-input-id", "dropdown-id"}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Tracking: TrackingConfig{
			Enabled:           true,
			RuleSet:           map[string]string{},
			MarkerAttributes:  DefaultMarkerAttributes(),
			InputAttribute:    "click-input-id",
			DropdownAttribute: "click-dd-id",
		},
		Delivery: DeliveryConfig{
			ServerURL:        "http://localhost:1000/track-clickData",
			Transport:        TransportHTTP,
			FlushIntervalMs:  10000,
			BufferThreshold:  20,
			RequestTimeoutMs: 5000,
			BeaconTimeoutMs:  2000,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:clicktrail.db?_pragma=busy_timeout(5000)"},
		Watch:   WatchConfig{PollIntervalMs: 250},
		Ingest:  IngestConfig{ChannelBuffer: 1024},
		Collector: CollectorConfig{
			Addr:         ":1000",
			Path:         "/track-clickData",
			Storage:      StorageConfig{Driver: "sqlite", DSN: "file:collector.db?_pragma=busy_timeout(5000)"},
			MaxBodyBytes: 2 << 20,
			HistorySize:  500,
		},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// LoadOrDefault loads path, or builds the default config with environment overrides when
// path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := DefaultConfig()
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML or JSON config content on top of the defaults.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CLICKTRAIL_SERVER_URL")); v != "" {
		cfg.Delivery.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CLICKTRAIL_STORAGE_DSN")); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("CLICKTRAIL_COLLECTOR_DSN")); v != "" {
		cfg.Collector.Storage.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Tracking.RuleSet == nil {
		cfg.Tracking.RuleSet = map[string]string{}
	}
	if len(cfg.Tracking.MarkerAttributes) == 0 {
		cfg.Tracking.MarkerAttributes = DefaultMarkerAttributes()
	}
	if cfg.Tracking.InputAttribute == "" {
		cfg.Tracking.InputAttribute = "click-input-id"
	}
	if cfg.Tracking.DropdownAttribute == "" {
		cfg.Tracking.DropdownAttribute = "click-dd-id"
	}
	if cfg.Delivery.Transport == "" {
		cfg.Delivery.Transport = TransportHTTP
	}
	if cfg.Delivery.FlushIntervalMs <= 0 {
		cfg.Delivery.FlushIntervalMs = 10000
	}
	if cfg.Delivery.RequestTimeoutMs <= 0 {
		cfg.Delivery.RequestTimeoutMs = 5000
	}
	if cfg.Delivery.BeaconTimeoutMs <= 0 {
		cfg.Delivery.BeaconTimeoutMs = 2000
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Watch.PollIntervalMs <= 0 {
		cfg.Watch.PollIntervalMs = 250
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1024
	}
	if cfg.Collector.Path == "" {
		cfg.Collector.Path = "/track-clickData"
	}
	if cfg.Collector.Storage.Driver == "" {
		cfg.Collector.Storage.Driver = "sqlite"
	}
	if cfg.Collector.MaxBodyBytes <= 0 {
		cfg.Collector.MaxBodyBytes = 2 << 20
	}
	if cfg.Collector.HistorySize <= 0 {
		cfg.Collector.HistorySize = 500
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Delivery.Transport) {
	case TransportHTTP:
		if strings.TrimSpace(cfg.Delivery.ServerURL) == "" {
			return errors.New("delivery.server_url required")
		}
		u, err := url.Parse(cfg.Delivery.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("delivery.server_url is not an absolute url: %q", cfg.Delivery.ServerURL)
		}
	case TransportKafka:
		if len(cfg.Delivery.Kafka.Brokers) == 0 || cfg.Delivery.Kafka.Topic == "" {
			return errors.New("delivery.kafka requires brokers and topic")
		}
	default:
		return fmt.Errorf("unsupported delivery.transport: %q", cfg.Delivery.Transport)
	}
	if cfg.Delivery.BufferThreshold < 0 {
		return errors.New("delivery.buffer_threshold must be >= 0")
	}
	for _, attr := range cfg.Tracking.MarkerAttributes {
		if strings.TrimSpace(attr) == "" {
			return errors.New("tracking.marker_attributes contains an empty name")
		}
	}
	if cfg.Collector.Forward.Enabled() && cfg.Collector.Forward.Topic == "" {
		return errors.New("collector.forward.topic required when brokers are set")
	}
	if cfg.Ingest.Kafka.Enabled() && cfg.Ingest.Kafka.Topic == "" {
		return errors.New("ingest.kafka.topic required when brokers are set")
	}
	return nil
}

func (c DeliveryConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c DeliveryConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c DeliveryConfig) BeaconTimeout() time.Duration {
	return time.Duration(c.BeaconTimeoutMs) * time.Millisecond
}

func (c WatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
