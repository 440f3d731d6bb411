// Package config loads exobridge configuration from layered JSON or YAML files
// with EXOBRIDGE_ environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/c360/exobridge/errors"
)

// Storage mode constants
const (
	StorageModeMemory = "memory"
	StorageModeKV     = "kv"
)

// Overflow policy constants for the serial receive buffer
const (
	OverflowDiscard = "discard"
	OverflowClose   = "close"
)

// Config represents the complete application configuration
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Serial   SerialConfig   `json:"serial"`
	Realtime RealtimeConfig `json:"realtime"`
	NATS     NATSConfig     `json:"nats"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// HTTPConfig configures the gateway listener.
type HTTPConfig struct {
	Port            int           `json:"port"`
	CORSOrigin      string        `json:"cors_origin"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// SerialConfig configures device discovery and the receive buffer.
type SerialConfig struct {
	Path           string        `json:"path,omitempty"`
	VendorID       string        `json:"vendor_id"`
	ProductMatch   string        `json:"product_match,omitempty"`
	BaudRate       int           `json:"baud_rate"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	MaxFrameBytes  int           `json:"max_frame_bytes"`
	OverflowPolicy string        `json:"overflow_policy"`
	StringAware    bool          `json:"string_aware"`
}

// RealtimeConfig configures the websocket hub.
type RealtimeConfig struct {
	Path           string        `json:"path"`
	ClientQueue    int           `json:"client_queue"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	PingInterval   time.Duration `json:"ping_interval"`
	AllowedOrigins []string      `json:"allowed_origins,omitempty"`
}

// NATSConfig configures the optional NATS connection used for the
// telemetry mirror and the KV store.
type NATSConfig struct {
	Enabled          bool          `json:"enabled"`
	URLs             []string      `json:"urls"`
	Name             string        `json:"name"`
	Credentials      string        `json:"credentials,omitempty"`
	TelemetrySubject string        `json:"telemetry_subject"`
	MaxReconnects    int           `json:"max_reconnects"`
	ReconnectWait    time.Duration `json:"reconnect_wait"`
	PingInterval     time.Duration `json:"ping_interval"`
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	Mode string `json:"mode"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            8080,
			CORSOrigin:      "*",
			ShutdownTimeout: 30 * time.Second,
		},
		Serial: SerialConfig{
			VendorID:       "0483",
			BaudRate:       115200,
			ReadTimeout:    100 * time.Millisecond,
			MaxFrameBytes:  65536,
			OverflowPolicy: OverflowDiscard,
		},
		Realtime: RealtimeConfig{
			Path:         "/socket",
			ClientQueue:  256,
			WriteTimeout: 5 * time.Second,
			PingInterval: 30 * time.Second,
		},
		NATS: NATSConfig{
			URLs:             []string{"nats://localhost:4222"},
			Name:             "exobridge",
			TelemetrySubject: "exobridge.telemetry",
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			PingInterval:     20 * time.Second,
		},
		Storage: StorageConfig{Mode: StorageModeMemory},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		problems = append(problems, fmt.Sprintf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		problems = append(problems, "http.shutdown_timeout must be positive")
	}

	if c.Serial.BaudRate <= 0 {
		problems = append(problems, "serial.baud_rate must be positive")
	}
	if c.Serial.Path == "" && c.Serial.VendorID == "" && c.Serial.ProductMatch == "" {
		problems = append(problems, "serial requires path, vendor_id or product_match")
	}
	if c.Serial.ReadTimeout <= 0 {
		problems = append(problems, "serial.read_timeout must be positive")
	}
	if c.Serial.MaxFrameBytes < 2 {
		problems = append(problems, "serial.max_frame_bytes must be at least 2")
	}
	switch c.Serial.OverflowPolicy {
	case OverflowDiscard, OverflowClose:
	default:
		problems = append(problems, fmt.Sprintf("serial.overflow_policy %q must be %q or %q",
			c.Serial.OverflowPolicy, OverflowDiscard, OverflowClose))
	}

	if !strings.HasPrefix(c.Realtime.Path, "/") {
		problems = append(problems, "realtime.path must start with /")
	}
	if c.Realtime.ClientQueue <= 0 {
		problems = append(problems, "realtime.client_queue must be positive")
	}
	if c.Realtime.WriteTimeout <= 0 || c.Realtime.PingInterval <= 0 {
		problems = append(problems, "realtime timeouts must be positive")
	}

	switch c.Storage.Mode {
	case StorageModeMemory:
	case StorageModeKV:
		if !c.NATS.Enabled {
			problems = append(problems, "storage.mode kv requires nats.enabled")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.mode %q must be %q or %q",
			c.Storage.Mode, StorageModeMemory, StorageModeKV))
	}

	if c.NATS.Enabled {
		if len(c.NATS.URLs) == 0 {
			problems = append(problems, "nats.urls required when nats is enabled")
		}
		for _, u := range c.NATS.URLs {
			if _, err := url.Parse(u); err != nil {
				problems = append(problems, fmt.Sprintf("nats url %q: %v", u, err))
			}
		}
		if c.NATS.PingInterval <= 0 {
			problems = append(problems, "nats.ping_interval must be positive")
		}
		if !isValidSubject(c.NATS.TelemetrySubject) {
			problems = append(problems, fmt.Sprintf("nats.telemetry_subject %q is not a valid subject", c.NATS.TelemetrySubject))
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			problems = append(problems, fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
		}
		if c.Metrics.Port == c.HTTP.Port {
			problems = append(problems, "metrics.port must differ from http.port")
		}
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "configuration validation")
	}
	return nil
}

func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" || strings.ContainsAny(part, " \t\r\n*>") {
			return false
		}
	}
	return true
}

// String renders the configuration as indented JSON with credentials masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Credentials != "" {
		masked.NATS.Credentials = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
