// Package config defines the gateway's typed configuration. It is loaded once at
// startup from JSON or YAML layers, overlaid with SEMGATE_* environment variables
// and validated eagerly: a malformed file stops the process.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/semgate/errors"
	"github.com/c360/semgate/pkg/tlsutil"
	"github.com/c360/semgate/registry"
)

// Store backends for circuit state
const (
	StoreFile   = "file"
	StoreNATS   = "nats"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Alert sinks
const (
	SinkLog     = "log"
	SinkWebhook = "webhook"
	SinkNATS    = "nats"
)

// Config represents the complete gateway configuration
type Config struct {
	Server   ServerConfig          `json:"server"`
	Poller   PollerConfig          `json:"poller"`
	Circuit  CircuitConfig         `json:"circuit"`
	Alerts   AlertConfig           `json:"alerts"`
	Metrics  MetricsConfig         `json:"metrics"`
	Actions  ActionConfig          `json:"actions"`
	Store    StoreConfig           `json:"store"`
	NATS     NATSConfig            `json:"nats"`
	Redis    RedisConfig           `json:"redis"`
	Upstream UpstreamConfig        `json:"upstream"`
	Services []registry.Descriptor `json:"services"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string               `json:"addr"`
	AuthToken         string               `json:"auth_token,omitempty"` // bearer token for privileged endpoints
	ReadHeaderTimeout time.Duration        `json:"read_header_timeout"`
	ShutdownTimeout   time.Duration        `json:"shutdown_timeout"`
	EventStream       bool                 `json:"event_stream"`
	TLS               tlsutil.ServerConfig `json:"tls,omitempty"`
}

// UpstreamConfig applies to probe and proxy traffic toward services.
type UpstreamConfig struct {
	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// PollerConfig holds health polling tunables.
type PollerConfig struct {
	Interval          time.Duration `json:"interval"`
	OnlineThreshold   time.Duration `json:"online_threshold"`
	DegradedThreshold time.Duration `json:"degraded_threshold"`
}

// CircuitConfig holds breaker tunables.
type CircuitConfig struct {
	Threshold    int           `json:"threshold"`
	BaseBackoff  time.Duration `json:"base_backoff"`
	MaxBackoff   time.Duration `json:"max_backoff"`
	Warmup       int           `json:"warmup"`
	RestartGrace int           `json:"restart_grace"` // failed probes tolerated after a restart
}

// AlertConfig selects and tunes the alert sink.
type AlertConfig struct {
	Cooldown       time.Duration `json:"cooldown"`
	Sink           string        `json:"sink"`
	WebhookURL     string        `json:"webhook_url,omitempty"`
	WebhookTimeout time.Duration `json:"webhook_timeout"`
	Subject        string        `json:"subject,omitempty"`
	History        int           `json:"history"`
}

// MetricsConfig tunes the request metrics window.
type MetricsConfig struct {
	Window    int    `json:"window"`
	Namespace string `json:"namespace"`
}

// ActionConfig configures orchestrator actions. Commands maps a service key to
// an action name to the argv run for it.
type ActionConfig struct {
	Timeout     time.Duration                  `json:"timeout"`
	OutputLimit int                            `json:"output_limit"`
	Commands    map[string]map[string][]string `json:"commands,omitempty"`
}

// StoreConfig selects where circuit state is persisted.
type StoreConfig struct {
	Type   string `json:"type"`
	Path   string `json:"path,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key,omitempty"`
}

// NATSConfig defines NATS connection settings. NATS is optional; it is used
// when URLs is non-empty.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	EventSubject  string        `json:"event_subject,omitempty"`
}

// Enabled reports whether a NATS connection was configured.
func (n NATSConfig) Enabled() bool {
	return len(n.URLs) > 0
}

// RedisConfig defines the Redis circuit store connection.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Default returns the configuration used when a layer leaves a field unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			EventStream:       true,
		},
		Poller: PollerConfig{
			Interval:          30 * time.Second,
			OnlineThreshold:   3 * time.Second,
			DegradedThreshold: 10 * time.Second,
		},
		Circuit: CircuitConfig{
			Threshold:    5,
			BaseBackoff:  30 * time.Second,
			MaxBackoff:   10 * time.Minute,
			Warmup:       2,
			RestartGrace: 3,
		},
		Alerts: AlertConfig{
			Cooldown:       5 * time.Minute,
			Sink:           SinkLog,
			WebhookTimeout: 5 * time.Second,
			Subject:        "semgate.alerts",
			History:        100,
		},
		Metrics: MetricsConfig{
			Window:    1000,
			Namespace: "semgate",
		},
		Actions: ActionConfig{
			Timeout:     120 * time.Second,
			OutputLimit: 512,
		},
		Store: StoreConfig{
			Type:   StoreFile,
			Path:   "data/circuits.json",
			Bucket: "SEMGATE_CIRCUITS",
			Key:    "semgate:circuits",
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			EventSubject:  "semgate.events",
		},
	}
}

// Validate checks every global tunable and the service registry.
func (c *Config) Validate() error {
	var problems []error
	check := func(ok bool, field, format string, args ...any) {
		if !ok {
			problems = append(problems, errors.NewConfigError(field, format, args...))
		}
	}

	check(c.Server.Addr != "", "server.addr", "must not be empty")
	if c.Server.TLS.Enabled {
		check(c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != "", "server.tls",
			"cert_file and key_file are required when enabled")
		check(!c.Server.TLS.MTLS.Enabled || len(c.Server.TLS.MTLS.ClientCAFiles) > 0, "server.tls.mtls.client_ca_files",
			"required when mtls is enabled")
	}
	check(c.Upstream.TLS.CertFile == "" || c.Upstream.TLS.KeyFile != "", "upstream.tls.key_file",
		"required with cert_file")
	check(c.Poller.Interval > 0, "poller.interval", "must be positive")
	check(c.Poller.OnlineThreshold > 0, "poller.online_threshold", "must be positive")
	check(c.Poller.DegradedThreshold >= c.Poller.OnlineThreshold, "poller.degraded_threshold",
		"must be >= online_threshold (%s)", c.Poller.OnlineThreshold)
	check(c.Circuit.Threshold >= 1, "circuit.threshold", "must be at least 1")
	check(c.Circuit.BaseBackoff > 0, "circuit.base_backoff", "must be positive")
	check(c.Circuit.MaxBackoff >= c.Circuit.BaseBackoff, "circuit.max_backoff", "must be >= base_backoff")
	check(c.Circuit.Warmup >= 1, "circuit.warmup", "must be at least 1")
	check(c.Circuit.RestartGrace >= 0, "circuit.restart_grace", "must not be negative")
	check(c.Alerts.Cooldown >= 0, "alerts.cooldown", "must not be negative")
	check(c.Metrics.Window >= 1, "metrics.window", "must be at least 1")
	check(c.Actions.Timeout > 0, "actions.timeout", "must be positive")
	check(c.Actions.OutputLimit >= 1, "actions.output_limit", "must be at least 1")

	switch c.Alerts.Sink {
	case SinkLog:
	case SinkWebhook:
		check(c.Alerts.WebhookURL != "", "alerts.webhook_url", "required for the webhook sink")
	case SinkNATS:
		check(c.NATS.Enabled(), "nats.urls", "required for the nats alert sink")
	default:
		check(false, "alerts.sink", "unknown sink %q", c.Alerts.Sink)
	}

	switch c.Store.Type {
	case StoreMemory:
	case StoreFile:
		check(c.Store.Path != "", "store.path", "required for the file store")
	case StoreNATS:
		check(c.NATS.Enabled(), "nats.urls", "required for the nats store")
		check(c.Store.Bucket != "", "store.bucket", "required for the nats store")
	case StoreRedis:
		check(c.Redis.Addr != "", "redis.addr", "required for the redis store")
	default:
		check(false, "store.type", "unknown store %q", c.Store.Type)
	}

	check(len(c.Services) > 0, "services", "at least one service is required")
	if _, err := registry.New(c.Services); err != nil {
		problems = append(problems, err)
	}

	known := make(map[string]bool, len(c.Services))
	for _, d := range c.Services {
		known[d.Key] = true
	}
	for key, actions := range c.Actions.Commands {
		check(known[key], fmt.Sprintf("actions.commands[%s]", key), "unknown service")
		for action, argv := range actions {
			field := fmt.Sprintf("actions.commands[%s][%s]", key, action)
			check(action == "start" || action == "stop" || action == "restart", field, "unknown action")
			check(len(argv) > 0, field, "command must not be empty")
		}
	}

	return errors.Join(problems...)
}

// Registry builds the service registry from the validated configuration.
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Services)
}

// String renders the config as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Server.AuthToken != "" {
		masked.Server.AuthToken = "***"
	}
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	if masked.Redis.Password != "" {
		masked.Redis.Password = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
