package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	common "github.com/telhawk-systems/taskhub-stack/common/config"
)

// Config captures runtime settings for the core service.
type Config struct {
	Server     common.ServerConfig     `mapstructure:"server"`
	Logging    common.LoggingConfig    `mapstructure:"logging"`
	Database   common.DatabaseConfig   `mapstructure:"database"`
	NATS       common.NATSConfig       `mapstructure:"nats"`
	Redis      common.RedisConfig      `mapstructure:"redis"`
	OpenSearch common.OpenSearchConfig `mapstructure:"opensearch"`

	Hub       HubConfig       `mapstructure:"hub"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// HubConfig controls dispatch, retries and the handler worker lanes.
type HubConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	WorkersPerHandler int           `mapstructure:"workers_per_handler"`
	InvocationTimeout time.Duration `mapstructure:"invocation_timeout"`
	// EventLog is "memory" or "jetstream".
	EventLog string `mapstructure:"event_log"`
}

// QueueConfig controls the durable queue and its consumers.
type QueueConfig struct {
	// Backend is "memory" or "postgres".
	Backend       string        `mapstructure:"backend"`
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Consumers     int           `mapstructure:"consumers"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
}

// DedupConfig controls the processed-id set.
type DedupConfig struct {
	// Backend is "memory" or "redis".
	Backend string        `mapstructure:"backend"`
	Window  time.Duration `mapstructure:"window"`
}

// DLQConfig holds dead letter configuration
type DLQConfig struct {
	Backend  string `mapstructure:"backend"`   // "memory" (default), "file" or "jetstream"
	BasePath string `mapstructure:"base_path"` // Only used for file backend
	Alerts   bool   `mapstructure:"alerts"`    // Publish alerts on NATS when enabled
}

// BlobConfig holds attachment storage configuration.
type BlobConfig struct {
	Backend      string `mapstructure:"backend"` // "memory" or "file"
	BasePath     string `mapstructure:"base_path"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// AuthConfig holds token and admin key settings.
type AuthConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	AdminKeyHash string        `mapstructure:"admin_key_hash"`
}

// RateLimitConfig holds per-tenant request limiting.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// ArchiveConfig controls the OpenSearch event archive.
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig toggles OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from an optional YAML file and CORE_* environment overrides.
func Load(configPath string) (*Config, error) {
	v, err := common.NewViper(configPath, "CORE")
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)

	v.SetDefault("hub.max_attempts", 5)
	v.SetDefault("hub.initial_backoff", "200ms")
	v.SetDefault("hub.max_backoff", "30s")
	v.SetDefault("hub.backoff_multiplier", 2.0)
	v.SetDefault("hub.workers_per_handler", 4)
	v.SetDefault("hub.invocation_timeout", "10s")
	v.SetDefault("hub.event_log", "memory")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.lease_duration", "30s")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.consumers", 4)
	v.SetDefault("queue.poll_interval", "250ms")
	v.SetDefault("queue.reap_interval", "5s")

	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.window", "24h")

	v.SetDefault("dlq.backend", "memory")
	v.SetDefault("dlq.base_path", "/var/lib/taskhub/dlq")
	v.SetDefault("dlq.alerts", false)

	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.base_path", "/var/lib/taskhub/blobs")
	v.SetDefault("blob.max_body_bytes", 10<<20)

	v.SetDefault("auth.jwt_secret", "change-this-in-production")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.admin_key_hash", "")

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests", 600)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("tracing.enabled", false)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Hub.MaxAttempts < 1 {
		return fmt.Errorf("hub.max_attempts must be >= 1, got %d", c.Hub.MaxAttempts)
	}
	if c.Hub.WorkersPerHandler < 1 {
		return fmt.Errorf("hub.workers_per_handler must be >= 1, got %d", c.Hub.WorkersPerHandler)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue.lease_duration must be positive")
	}
	switch c.Hub.EventLog {
	case "memory", "jetstream":
	default:
		return fmt.Errorf("unknown hub.event_log %q", c.Hub.EventLog)
	}
	switch c.Queue.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	switch c.Dedup.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown dedup.backend %q", c.Dedup.Backend)
	}
	switch c.DLQ.Backend {
	case "memory", "file", "jetstream":
	default:
		return fmt.Errorf("unknown dlq.backend %q", c.DLQ.Backend)
	}
	switch c.Blob.Backend {
	case "memory", "file":
	default:
		return fmt.Errorf("unknown blob.backend %q", c.Blob.Backend)
	}
	if (c.Hub.EventLog == "jetstream" || c.DLQ.Backend == "jetstream" || c.DLQ.Alerts) && !c.NATS.Enabled {
		return fmt.Errorf("nats.enabled is required by the jetstream event log, jetstream dlq and dlq alerts")
	}
	if c.Dedup.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("redis.enabled is required by the redis dedup backend")
	}
	if c.RateLimit.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("redis.enabled is required by rate limiting")
	}
	return nil
}
