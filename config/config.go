// Package config provides typed configuration for the broker and relay
// binaries, loaded from a JSON or YAML file with environment variable
// overrides and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/camelia-d-e/openfactory-sdk/errors"
)

// Config represents the complete application configuration
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	NATS    NATSConfig    `json:"nats"    yaml:"nats"`
	Broker  BrokerConfig  `json:"broker"  yaml:"broker"`
	Relay   RelayConfig   `json:"relay"   yaml:"relay"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig controls the slog handler installed at startup
type LoggingConfig struct {
	Level  string `json:"level"  yaml:"level"`  // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// NATSConfig holds upstream connection settings
type NATSConfig struct {
	URL            string `json:"url"             yaml:"url"`
	ClientName     string `json:"client_name"     yaml:"client_name"`
	ConnectTimeout string `json:"connect_timeout" yaml:"connect_timeout"`
}

// BrokerConfig holds the broker server settings
type BrokerConfig struct {
	Port                int      `json:"port"                  yaml:"port"`
	AggregateDevice     string   `json:"aggregate_device"      yaml:"aggregate_device"`
	PowerItems          []string `json:"power_items"           yaml:"power_items"`
	DispatchInterval    string   `json:"dispatch_interval"     yaml:"dispatch_interval"`
	InboundQueueSize    int      `json:"inbound_queue_size"    yaml:"inbound_queue_size"`
	OutboundQueueSize   int      `json:"outbound_queue_size"   yaml:"outbound_queue_size"`
	SenderIdleTimeout   string   `json:"sender_idle_timeout"   yaml:"sender_idle_timeout"`
	ReceiverIdleTimeout string   `json:"receiver_idle_timeout" yaml:"receiver_idle_timeout"`
	StatusLogInterval   string   `json:"status_log_interval"   yaml:"status_log_interval"`
}

// RelayConfig holds the client-side relay settings
type RelayConfig struct {
	BrokerURL       string   `json:"broker_url"        yaml:"broker_url"`
	Port            int      `json:"port"              yaml:"port"`
	Devices         []string `json:"devices"           yaml:"devices"` // empty = discover from broker
	OutputQueueSize int      `json:"output_queue_size" yaml:"output_queue_size"`
	IdleWindow      string   `json:"idle_window"       yaml:"idle_window"`
	MaxRetries      int      `json:"max_retries"       yaml:"max_retries"` // 0 = unlimited
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port"    yaml:"port"`
	Path    string `json:"path"    yaml:"path"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ClientName:     "openfactory",
			ConnectTimeout: "5s",
		},
		Broker: BrokerConfig{
			Port:                8000,
			AggregateDevice:     "IVAC",
			PowerItems:          []string{"A1ToolPlus", "A2ToolPlus"},
			DispatchInterval:    "100ms",
			InboundQueueSize:    1024,
			OutboundQueueSize:   256,
			SenderIdleTimeout:   "1s",
			ReceiverIdleTimeout: "30s",
			StatusLogInterval:   "30s",
		},
		Relay: RelayConfig{
			BrokerURL:       "ws://localhost:8000",
			Port:            3000,
			OutputQueueSize: 1024,
			IdleWindow:      "30s",
			MaxRetries:      0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from a file, applies environment overrides and
// validates the result. An empty path yields the defaults (plus overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, errors.WrapFatal(err, "config", "Load", "read config file")
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapInvalid(err, "config", "Load", "decode YAML config")
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, errors.WrapInvalid(err, "config", "Load", "decode JSON config")
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies OPENFACTORY_* environment variables on top of
// the loaded configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENFACTORY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OPENFACTORY_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("OPENFACTORY_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("OPENFACTORY_BROKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Broker.Port = port
		}
	}
	if v := os.Getenv("OPENFACTORY_AGGREGATE_DEVICE"); v != "" {
		c.Broker.AggregateDevice = v
	}
	if v := os.Getenv("OPENFACTORY_RELAY_BROKER_URL"); v != "" {
		c.Relay.BrokerURL = v
	}
	if v := os.Getenv("OPENFACTORY_RELAY_DEVICES"); v != "" {
		c.Relay.Devices = strings.Split(v, ",")
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("broker.port %d out of range", c.Broker.Port))
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("relay.port %d out of range", c.Relay.Port))
	}
	if c.Broker.InboundQueueSize <= 0 || c.Broker.OutboundQueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"broker queue sizes must be positive")
	}
	if c.Relay.OutputQueueSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"relay.output_queue_size must be positive")
	}

	for name, val := range map[string]string{
		"nats.connect_timeout":         c.NATS.ConnectTimeout,
		"broker.dispatch_interval":     c.Broker.DispatchInterval,
		"broker.sender_idle_timeout":   c.Broker.SenderIdleTimeout,
		"broker.receiver_idle_timeout": c.Broker.ReceiverIdleTimeout,
		"broker.status_log_interval":   c.Broker.StatusLogInterval,
		"relay.idle_window":            c.Relay.IdleWindow,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			return errors.WrapInvalid(err, "config", "Validate",
				fmt.Sprintf("parse %s duration", name))
		}
	}

	return nil
}

// Duration parses a duration config value, falling back to def when the
// value is empty or malformed. Validate catches malformed values at load
// time; the fallback keeps accessors total.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
