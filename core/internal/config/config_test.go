package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 5, cfg.Hub.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Hub.InitialBackoff)
	assert.Equal(t, 2.0, cfg.Hub.BackoffMultiplier)
	assert.Equal(t, "memory", cfg.Hub.EventLog)

	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 30*time.Second, cfg.Queue.LeaseDuration)
	assert.Equal(t, 24*time.Hour, cfg.Dedup.Window)
	assert.Equal(t, "memory", cfg.DLQ.Backend)
	assert.Equal(t, int64(10<<20), cfg.Blob.MaxBodyBytes)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
hub:
  max_attempts: 3
  initial_backoff: 50ms
  event_log: jetstream
nats:
  enabled: true
  url: nats://nats:4222
queue:
  backend: postgres
  lease_duration: 10s
database:
  type: postgres
  postgres:
    host: testhost
    port: 5433
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Hub.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Hub.InitialBackoff)
	assert.Equal(t, "jetstream", cfg.Hub.EventLog)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "postgres", cfg.Queue.Backend)
	assert.Equal(t, 10*time.Second, cfg.Queue.LeaseDuration)
	assert.Equal(t, "testhost", cfg.Database.Postgres.Host)
	assert.Equal(t, 5433, cfg.Database.Postgres.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CORE_SERVER_PORT", "7070")
	t.Setenv("CORE_HUB_MAX_ATTEMPTS", "7")
	t.Setenv("CORE_QUEUE_LEASE_DURATION", "1m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Hub.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Queue.LeaseDuration)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero attempts", func(c *Config) { c.Hub.MaxAttempts = 0 }, "hub.max_attempts"},
		{"zero workers", func(c *Config) { c.Hub.WorkersPerHandler = 0 }, "workers_per_handler"},
		{"queue attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"no lease", func(c *Config) { c.Queue.LeaseDuration = 0 }, "lease_duration"},
		{"bad event log", func(c *Config) { c.Hub.EventLog = "kafka" }, "hub.event_log"},
		{"bad queue backend", func(c *Config) { c.Queue.Backend = "sqs" }, "queue.backend"},
		{"jetstream without nats", func(c *Config) { c.DLQ.Backend = "jetstream" }, "nats.enabled"},
		{"redis dedup without redis", func(c *Config) { c.Dedup.Backend = "redis" }, "redis.enabled"},
		{"ratelimit without redis", func(c *Config) { c.RateLimit.Enabled = true }, "redis.enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	assert.NoError(t, base().Validate())
}
