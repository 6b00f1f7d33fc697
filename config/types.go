// Package config provides the engine configuration: a YAML file with
// environment variable overrides, optional .env loading, and a file watcher
// for live reload of tunables between ticks.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/worklens/trackengine/logger"
)

// Validation errors.
var (
	ErrMissingBaseURL  = errors.New("api base_url is required")
	ErrInvalidInterval = errors.New("capture interval must be at least one minute")
)

// Config is the root engine configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Capture   CaptureConfig   `yaml:"capture"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Health    HealthConfig    `yaml:"health"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Queue     QueueConfig     `yaml:"queue"`
	Logging   logger.Config   `yaml:"logging"`
}

// APIConfig configures the remote API client.
type APIConfig struct {
	BaseURL     string `env:"TRACKENGINE_API_URL"   yaml:"base_url"`
	AccessToken string `env:"TRACKENGINE_API_TOKEN" yaml:"access_token"`
	// HeartbeatTimeout bounds heartbeat and activity-flush calls.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// UploadTimeout bounds evidence uploads, which carry image payloads.
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// CaptureConfig configures evidence capture defaults. Per-job policy copied
// at start time overrides the default interval.
type CaptureConfig struct {
	DefaultIntervalMinutes int `env:"TRACKENGINE_CAPTURE_INTERVAL_MINUTES" yaml:"default_interval_minutes"`
}

// SchedulerConfig configures the tick-driven cadences.
type SchedulerConfig struct {
	// HeartbeatEveryTicks is how many 1 Hz ticks pass between heartbeats.
	HeartbeatEveryTicks uint64 `yaml:"heartbeat_every_ticks"`
	// ActivityFlushEveryTicks is how many ticks pass between activity flushes.
	ActivityFlushEveryTicks uint64 `yaml:"activity_flush_every_ticks"`
}

// HealthConfig configures the backend health monitor.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessWindow    time.Duration `yaml:"success_window"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
}

// BreakerConfig configures the evidence-pipeline circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// QueueConfig selects the offline queue backend.
type QueueConfig struct {
	// Backend is "sqlite" (default, embedded) or "redis" (shared-host
	// deployments where agents sit beside a local Redis).
	Backend string `env:"TRACKENGINE_QUEUE_BACKEND" yaml:"backend"`
	// Path is the SQLite database file location.
	Path string `env:"TRACKENGINE_QUEUE_PATH" yaml:"path"`
	// Redis connection settings, used when Backend is "redis".
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Address  string `env:"TRACKENGINE_REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"TRACKENGINE_REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"TRACKENGINE_REDIS_DB"       yaml:"db"`
}

// Queue backend names.
const (
	QueueBackendSQLite = "sqlite"
	QueueBackendRedis  = "redis"
)

// Default values applied by SetDefaults.
const (
	DefaultHeartbeatTimeout        = 10 * time.Second
	DefaultUploadTimeout           = 30 * time.Second
	DefaultCaptureIntervalMinutes  = 10
	DefaultHeartbeatEveryTicks     = 30
	DefaultActivityFlushEveryTicks = 300
	DefaultHealthFailureThreshold  = 5
	DefaultHealthSuccessWindow     = 120 * time.Second
	DefaultHealthProbeInterval     = 30 * time.Second
	DefaultBreakerFailureThreshold = 3
	DefaultBreakerCooldown         = 10 * time.Minute
	DefaultQueuePath               = "trackengine.db"
)

// SetDefaults fills unset fields with defaults.
func (c *Config) SetDefaults() {
	if c.API.HeartbeatTimeout <= 0 {
		c.API.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.API.UploadTimeout <= 0 {
		c.API.UploadTimeout = DefaultUploadTimeout
	}
	if c.Capture.DefaultIntervalMinutes <= 0 {
		c.Capture.DefaultIntervalMinutes = DefaultCaptureIntervalMinutes
	}
	if c.Scheduler.HeartbeatEveryTicks == 0 {
		c.Scheduler.HeartbeatEveryTicks = DefaultHeartbeatEveryTicks
	}
	if c.Scheduler.ActivityFlushEveryTicks == 0 {
		c.Scheduler.ActivityFlushEveryTicks = DefaultActivityFlushEveryTicks
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = DefaultHealthFailureThreshold
	}
	if c.Health.SuccessWindow <= 0 {
		c.Health.SuccessWindow = DefaultHealthSuccessWindow
	}
	if c.Health.ProbeInterval <= 0 {
		c.Health.ProbeInterval = DefaultHealthProbeInterval
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = DefaultBreakerCooldown
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueBackendSQLite
	}
	if c.Queue.Path == "" {
		c.Queue.Path = DefaultQueuePath
	}
	c.Logging.SetDefaults()
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.Capture.DefaultIntervalMinutes < 1 {
		return ErrInvalidInterval
	}
	switch c.Queue.Backend {
	case QueueBackendSQLite, QueueBackendRedis:
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	return nil
}
