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

	"github.com/c360/exobridge/errors"
)

// DefaultEnvPrefix is the prefix for environment overrides.
const DefaultEnvPrefix = "EXOBRIDGE"

// durationKeys lists, per section, the fields that accept Go duration strings.
var durationKeys = map[string][]string{
	"http":     {"shutdown_timeout"},
	"serial":   {"read_timeout"},
	"realtime": {"write_timeout", "ping_interval"},
	"nats":     {"reconnect_wait", "ping_interval"},
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: true,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file over the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, then validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for section, keys := range durationKeys {
		m, ok := data[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			s, ok := m[key].(string)
			if !ok {
				continue
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", section, key, err)
			}
			m[key] = d.Nanoseconds()
		}
	}
	return nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(key string) (string, bool) {
		name := l.envPrefix + "_" + key
		val := os.Getenv(name)
		if val == "" {
			return "", false
		}
		if err := validateEnvVar(name, val); err != nil {
			return "", false
		}
		return val, true
	}

	var err error
	setInt := func(key string, dst *int) {
		if val, ok := env(key); ok && err == nil {
			n, convErr := strconv.Atoi(val)
			if convErr != nil {
				err = fmt.Errorf("%s_%s: %w", l.envPrefix, key, convErr)
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if val, ok := env(key); ok && err == nil {
			b, convErr := strconv.ParseBool(val)
			if convErr != nil {
				err = fmt.Errorf("%s_%s: %w", l.envPrefix, key, convErr)
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if val, ok := env(key); ok {
			*dst = val
		}
	}

	// PORT is honoured for hosting platforms; the prefixed variable wins
	if val := os.Getenv("PORT"); val != "" {
		n, convErr := strconv.Atoi(val)
		if convErr != nil {
			return fmt.Errorf("PORT: %w", convErr)
		}
		cfg.HTTP.Port = n
	}
	setInt("HTTP_PORT", &cfg.HTTP.Port)
	setString("HTTP_CORS_ORIGIN", &cfg.HTTP.CORSOrigin)

	setString("SERIAL_PATH", &cfg.Serial.Path)
	setString("SERIAL_VENDOR_ID", &cfg.Serial.VendorID)
	setString("SERIAL_PRODUCT_MATCH", &cfg.Serial.ProductMatch)
	setInt("SERIAL_BAUD", &cfg.Serial.BaudRate)
	setInt("SERIAL_MAX_FRAME_BYTES", &cfg.Serial.MaxFrameBytes)
	setString("SERIAL_OVERFLOW_POLICY", &cfg.Serial.OverflowPolicy)
	setBool("SERIAL_STRING_AWARE", &cfg.Serial.StringAware)

	setBool("NATS_ENABLED", &cfg.NATS.Enabled)
	if val, ok := env("NATS_URLS"); ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	setString("NATS_CREDENTIALS", &cfg.NATS.Credentials)
	setString("NATS_TELEMETRY_SUBJECT", &cfg.NATS.TelemetrySubject)

	setString("STORAGE_MODE", &cfg.Storage.Mode)

	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("METRICS_PORT", &cfg.Metrics.Port)

	return err
}
