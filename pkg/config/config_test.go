package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "/ws", cfg.Signal.Path)
	assert.Equal(t, 2, cfg.WebRTC.ICERestartLimit)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: ":9999"
client:
  offer_timeout: 5s
auth:
  jwt_secret: test-secret
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Client.OfferTimeout)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	// Untouched sections keep defaults.
	assert.Equal(t, "/ws", cfg.Signal.Path)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signal:
  ping_interval: 60s
  pong_timeout: 30s
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STREAMCAST_SERVER_ADDRESS", ":7070")
	t.Setenv("STREAMCAST_RELAY_URL", "ws://relay.example:7070/ws")
	t.Setenv("STREAMCAST_LOG_LEVEL", "debug")
	t.Setenv("STREAMCAST_REDIS_ADDRESS", "redis.example:6379")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "ws://relay.example:7070/ws", cfg.Client.RelayURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.example:6379", cfg.Redis.Address)
}

func TestValidateGuards(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty server address", func(c *Config) { c.Server.Address = "" }},
		{"pong not after ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"negative restart limit", func(c *Config) { c.WebRTC.ICERestartLimit = -1 }},
		{"zero offer timeout", func(c *Config) { c.Client.OfferTimeout = 0 }},
		{"reconnect min above max", func(c *Config) {
			c.Client.ReconnectMinDelay = time.Minute
			c.Client.ReconnectMaxDelay = time.Second
		}},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"redis enabled without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"rate limiting without budget", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
