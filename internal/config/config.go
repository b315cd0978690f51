package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel   string           `json:"log_level" yaml:"log_level" toml:"log_level"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest" toml:"ingest"`
	Detection  DetectionConfig  `json:"detection" yaml:"detection" toml:"detection"`
	Alerts     AlertsConfig     `json:"alerts" yaml:"alerts" toml:"alerts"`
	Escalation EscalationConfig `json:"escalation" yaml:"escalation" toml:"escalation"`
	Lifecycle  LifecycleConfig  `json:"lifecycle" yaml:"lifecycle" toml:"lifecycle"`
	Retry      RetryConfig      `json:"retry" yaml:"retry" toml:"retry"`
	API        APIConfig        `json:"api" yaml:"api" toml:"api"`
	Storage    StorageConfig    `json:"storage" yaml:"storage" toml:"storage"`
	Events     EventsConfig     `json:"events" yaml:"events" toml:"events"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics" toml:"metrics"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer" toml:"channel_buffer"`
	Workers       int             `json:"workers" yaml:"workers" toml:"workers"`
	REST          RESTConfig      `json:"rest" yaml:"rest" toml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream" toml:"tcp_stream"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka" toml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id" toml:"group_id"`
}

type DetectionConfig struct {
	// Backend selects the classifier: none, stub or gemini.
	Backend     string        `json:"backend" yaml:"backend" toml:"backend"`
	WindowSize  int           `json:"window_size" yaml:"window_size" toml:"window_size"`
	MaxParallel int           `json:"max_parallel" yaml:"max_parallel" toml:"max_parallel"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	Gemini      GeminiConfig  `json:"gemini" yaml:"gemini" toml:"gemini"`
}

type GeminiConfig struct {
	APIKey string `json:"api_key" yaml:"api_key" toml:"api_key"`
	Model  string `json:"model" yaml:"model" toml:"model"`
}

type AlertsConfig struct {
	MinConfidence   int `json:"min_confidence" yaml:"min_confidence" toml:"min_confidence"`
	MinOccurrence   int `json:"min_occurrence" yaml:"min_occurrence" toml:"min_occurrence"`
	StoreLimit      int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
	DedupeCacheSize int `json:"dedupe_cache_size" yaml:"dedupe_cache_size" toml:"dedupe_cache_size"`
}

type EscalationConfig struct {
	IncidentAlertThreshold int               `json:"incident_alert_threshold" yaml:"incident_alert_threshold" toml:"incident_alert_threshold"`
	KindIncidentTypes      map[string]string `json:"kind_incident_types" yaml:"kind_incident_types" toml:"kind_incident_types"`
}

type LifecycleConfig struct {
	AutoFlagThreshold int `json:"auto_flag_threshold" yaml:"auto_flag_threshold" toml:"auto_flag_threshold"`
}

type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval" toml:"max_interval"`
	MaxElapsed      time.Duration `json:"max_elapsed" yaml:"max_elapsed" toml:"max_elapsed"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type StorageConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Driver         string `json:"driver" yaml:"driver" toml:"driver"`
	DSN            string `json:"dsn" yaml:"dsn" toml:"dsn"`
	MigrateOnStart bool   `json:"migrate_on_start" yaml:"migrate_on_start" toml:"migrate_on_start"`
}

type EventsConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	ServiceName  string `json:"service_name" yaml:"service_name" toml:"service_name"`
	Insecure     bool   `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// DefaultKindIncidentTypes maps the dominant alert kind of an escalation to the
// incident type opened for review.
func DefaultKindIncidentTypes() map[string]string {
	return map[string]string{
		"phone":               "unauthorized_assistance",
		"multiple_faces":      "unauthorized_assistance",
		"unauthorized_person": "unauthorized_assistance",
		"suspicious_object":   "cheating_confirmed",
		"looking_away":        "technical_violation",
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       8,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Detection: DetectionConfig{
			Backend:     "none",
			WindowSize:  15,
			MaxParallel: 4,
			Timeout:     2 * time.Second,
			Gemini:      GeminiConfig{Model: "gemini-2.5-flash"},
		},
		Alerts: AlertsConfig{
			MinConfidence:   60,
			MinOccurrence:   1,
			StoreLimit:      1000,
			DedupeCacheSize: 4096,
		},
		Escalation: EscalationConfig{
			IncidentAlertThreshold: 3,
			KindIncidentTypes:      DefaultKindIncidentTypes(),
		},
		Lifecycle: LifecycleConfig{AutoFlagThreshold: 5},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			MaxElapsed:      10 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:examguard.db?_pragma=busy_timeout(5000)", MigrateOnStart: true},
		Events:  EventsConfig{Enabled: false, Topic: "examguard-events"},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Telemetry: TelemetryConfig{
			ServiceName: "examguard",
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
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	switch {
	case strings.EqualFold(filepath.Ext(path), ".toml"):
		decodeErr = decodeTOML(trimmed, cfg)
	case looksLikeJSON(trimmed):
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	default:
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeTOML(content string, cfg *Config) error {
	_, err := toml.Decode(content, cfg)
	return err
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

func applyDefaults(cfg *Config) {
	if cfg.Detection.WindowSize <= 0 {
		cfg.Detection.WindowSize = 15
	}
	if cfg.Detection.MaxParallel <= 0 {
		cfg.Detection.MaxParallel = 4
	}
	if cfg.Detection.Timeout <= 0 {
		cfg.Detection.Timeout = 2 * time.Second
	}
	if cfg.Detection.Backend == "" {
		cfg.Detection.Backend = "none"
	}
	if cfg.Alerts.MinOccurrence <= 0 {
		cfg.Alerts.MinOccurrence = 1
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
	if cfg.Alerts.DedupeCacheSize <= 0 {
		cfg.Alerts.DedupeCacheSize = 4096
	}
	if cfg.Escalation.IncidentAlertThreshold <= 0 {
		cfg.Escalation.IncidentAlertThreshold = 3
	}
	if len(cfg.Escalation.KindIncidentTypes) == 0 {
		cfg.Escalation.KindIncidentTypes = DefaultKindIncidentTypes()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 100 * time.Millisecond
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = 2 * time.Second
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = 5000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 8
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "examguard-events"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "examguard"
	}
}

var validIncidentTypes = map[string]struct{}{
	"cheating_confirmed":      {},
	"unauthorized_assistance": {},
	"technical_violation":     {},
	"false_positive":          {},
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Events.Enabled && len(cfg.Events.Brokers) == 0 {
		return errors.New("events.brokers required when events.enabled is true")
	}
	switch strings.ToLower(cfg.Detection.Backend) {
	case "none", "stub":
	case "gemini":
		if cfg.Detection.Gemini.APIKey == "" {
			return errors.New("detection.gemini.api_key required when detection.backend is gemini")
		}
	default:
		return fmt.Errorf("detection.backend %q not supported", cfg.Detection.Backend)
	}
	if cfg.Alerts.MinConfidence < 0 || cfg.Alerts.MinConfidence > 100 {
		return errors.New("alerts.min_confidence must be within 0..100")
	}
	if cfg.Lifecycle.AutoFlagThreshold < 0 {
		return errors.New("lifecycle.auto_flag_threshold must be >= 0")
	}
	for kind, it := range cfg.Escalation.KindIncidentTypes {
		if _, ok := validIncidentTypes[it]; !ok {
			return fmt.Errorf("escalation.kind_incident_types[%s]: unknown incident type %q", kind, it)
		}
	}
	return nil
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

// NewStaticManager wraps an already-built config. Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
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
	if m.path == "" {
		return m.Get(), nil
	}
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
	if m.path == "" {
		return false, nil
	}
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
