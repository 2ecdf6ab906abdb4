package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, time.Second, cfg.Party.CaptureRetryDelay)
	assert.Equal(t, 2*time.Second, cfg.Party.ProbeTimeout)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"zero send buffer", func(c *Config) { c.Signal.SendBuffer = 0 }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 10000 }},
		{"inverted port range", func(c *Config) {
			c.WebRTC.PortRange.Min = 20000
			c.WebRTC.PortRange.Max = 10000
		}},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"redis without address", func(c *Config) {
			c.Storage.Driver = StorageRedis
			c.Storage.Redis.Address = ""
		}},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = StoragePostgres }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"zero token ttl", func(c *Config) { c.Auth.TokenTTL = 0 }},
		{"rate limit enabled without rps", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"negative message size", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"tracing without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.JaegerEndpoint = ""
		}},
		{"negative retry delay", func(c *Config) { c.Party.CaptureRetryDelay = -time.Second }},
		{"zero probe timeout", func(c *Config) { c.Party.ProbeTimeout = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlData := `
server:
  address: ":9000"
storage:
  driver: redis
  redis:
    address: "redis:6379"
    pool_size: 4
party:
  probe_timeout: 3s
  devices:
    webcam: /media/cam.ivf
  features:
    voice: true
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	t.Setenv("WATCHPARTY_LOG_LEVEL", "debug")
	t.Setenv("WATCHPARTY_API_KEY", "k-123")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, StorageRedis, cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Storage.Redis.PoolSize)
	assert.Equal(t, 3*time.Second, cfg.Party.ProbeTimeout)
	assert.Equal(t, "/media/cam.ivf", cfg.Party.Devices.Webcam)
	assert.True(t, cfg.Party.Features.Voice)
	assert.False(t, cfg.Party.Features.Webcam)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "k-123", cfg.Party.APIKey)
	assert.Equal(t, []string{"k-123"}, cfg.Auth.APIKeys)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: cassandra\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "storage.driver")
}
