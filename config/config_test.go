package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/exobridge/errors"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "EXOBRIDGE_HTTP_PORT", "EXOBRIDGE_SERIAL_PATH", "EXOBRIDGE_SERIAL_BAUD",
		"EXOBRIDGE_NATS_ENABLED", "EXOBRIDGE_NATS_URLS", "EXOBRIDGE_STORAGE_MODE",
		"EXOBRIDGE_SERIAL_STRING_AWARE", "EXOBRIDGE_METRICS_PORT",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, "0483", cfg.Serial.VendorID)
	assert.Equal(t, 65536, cfg.Serial.MaxFrameBytes)
	assert.Equal(t, OverflowDiscard, cfg.Serial.OverflowPolicy)
	assert.False(t, cfg.Serial.StringAware)
	assert.Equal(t, "/socket", cfg.Realtime.Path)
	assert.Equal(t, "exobridge.telemetry", cfg.NATS.TelemetrySubject)
	assert.Equal(t, StorageModeMemory, cfg.Storage.Mode)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLoader_JSONLayer(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "bridge.json", `{
		"http": {"port": 5000, "shutdown_timeout": "10s"},
		"serial": {"path": "/dev/ttyACM0", "read_timeout": "250ms"}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.HTTP.Port)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Serial.ReadTimeout)
	// Untouched fields keep their defaults
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, "*", cfg.HTTP.CORSOrigin)
}

func TestLoader_YAMLLayerOverridesJSON(t *testing.T) {
	clearEnv(t)
	base := writeFile(t, "base.json", `{"serial": {"baud_rate": 9600}, "realtime": {"client_queue": 8}}`)
	override := writeFile(t, "site.yaml", `
serial:
  baud_rate: 57600
  string_aware: true
realtime:
  ping_interval: 5s
  allowed_origins:
    - http://localhost:3000
nats:
  ping_interval: 45s
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 57600, cfg.Serial.BaudRate)
	assert.True(t, cfg.Serial.StringAware)
	assert.Equal(t, 8, cfg.Realtime.ClientQueue)
	assert.Equal(t, 5*time.Second, cfg.Realtime.PingInterval)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Realtime.AllowedOrigins)
	assert.Equal(t, 45*time.Second, cfg.NATS.PingInterval)
}

func TestLoader_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("EXOBRIDGE_SERIAL_PATH", "/dev/ttyUSB3")
	t.Setenv("EXOBRIDGE_SERIAL_BAUD", "230400")
	t.Setenv("EXOBRIDGE_NATS_ENABLED", "true")
	t.Setenv("EXOBRIDGE_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("EXOBRIDGE_STORAGE_MODE", "kv")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Path)
	assert.Equal(t, 230400, cfg.Serial.BaudRate)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, StorageModeKV, cfg.Storage.Mode)
}

func TestLoader_PrefixedPortWinsOverPORT(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("EXOBRIDGE_HTTP_PORT", "7100")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.HTTP.Port)
}

func TestLoader_BadEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXOBRIDGE_SERIAL_BAUD", "fast")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_Errors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.json") }},
		{"unsupported extension", func(t *testing.T) string { return writeFile(t, "cfg.toml", "x = 1") }},
		{"malformed json", func(t *testing.T) string { return writeFile(t, "cfg.json", `{"http": {`) }},
		{"bad duration", func(t *testing.T) string {
			return writeFile(t, "cfg.json", `{"http": {"shutdown_timeout": "soon"}}`)
		}},
		{"fails validation", func(t *testing.T) string {
			return writeFile(t, "cfg.json", `{"serial": {"overflow_policy": "explode"}}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path(t))
			assert.Error(t, err)
		})
	}
}

func TestLoader_ValidationDisabled(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "cfg.json", `{"storage": {"mode": "sqlite"}}`)

	loader := NewLoader()
	loader.EnableValidation(false)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Mode)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
		{"no discovery hint", func(c *Config) { c.Serial.VendorID = "" }},
		{"zero baud", func(c *Config) { c.Serial.BaudRate = 0 }},
		{"bad overflow policy", func(c *Config) { c.Serial.OverflowPolicy = "ignore" }},
		{"tiny frame limit", func(c *Config) { c.Serial.MaxFrameBytes = 1 }},
		{"relative socket path", func(c *Config) { c.Realtime.Path = "socket" }},
		{"kv without nats", func(c *Config) { c.Storage.Mode = StorageModeKV }},
		{"wildcard subject", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.TelemetrySubject = "exobridge.>"
		}},
		{"nats ping interval", func(c *Config) {
			c.NATS.Enabled = true
			c.NATS.PingInterval = 0
		}},
		{"metrics port clash", func(c *Config) { c.Metrics.Port = c.HTTP.Port }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		})
	}
}

func TestString_MasksCredentials(t *testing.T) {
	cfg := Default()
	cfg.NATS.Credentials = "/secrets/user.creds"

	out := cfg.String()
	assert.NotContains(t, out, "user.creds")
	assert.Contains(t, out, `"credentials": "***"`)
	assert.Equal(t, "/secrets/user.creds", cfg.NATS.Credentials)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "}}}"}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [1}`)))
}
