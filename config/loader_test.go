package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worklens/trackengine/config"
	"github.com/worklens/trackengine/logger"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trackengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
api:
  base_url: https://api.example.com
  access_token: token-1
  heartbeat_timeout: 5s
capture:
  default_interval_minutes: 5
scheduler:
  heartbeat_every_ticks: 15
queue:
  backend: sqlite
  path: /tmp/trackengine-test.db
`

func TestLoad_ParsesYAMLAndAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, "token-1", cfg.API.AccessToken)
	assert.Equal(t, 5*time.Second, cfg.API.HeartbeatTimeout)
	assert.Equal(t, 5, cfg.Capture.DefaultIntervalMinutes)
	assert.Equal(t, uint64(15), cfg.Scheduler.HeartbeatEveryTicks)

	// Unset fields fall back to defaults.
	assert.Equal(t, config.DefaultUploadTimeout, cfg.API.UploadTimeout)
	assert.Equal(t, uint64(config.DefaultActivityFlushEveryTicks), cfg.Scheduler.ActivityFlushEveryTicks)
	assert.Equal(t, config.DefaultHealthFailureThreshold, cfg.Health.FailureThreshold)
	assert.Equal(t, config.DefaultBreakerCooldown, cfg.Breaker.Cooldown)
	assert.Equal(t, "/tmp/trackengine-test.db", cfg.Queue.Path)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("TRACKENGINE_API_URL", "https://override.example.com")
	t.Setenv("TRACKENGINE_CAPTURE_INTERVAL_MINUTES", "2")
	t.Setenv("TRACKENGINE_QUEUE_BACKEND", "redis")
	t.Setenv("TRACKENGINE_REDIS_ADDRESS", "localhost:6379")

	cfg, err := config.Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://override.example.com", cfg.API.BaseURL)
	assert.Equal(t, 2, cfg.Capture.DefaultIntervalMinutes)
	assert.Equal(t, config.QueueBackendRedis, cfg.Queue.Backend)
	assert.Equal(t, "localhost:6379", cfg.Queue.Redis.Address)
}

func TestLoad_MissingBaseURLRejected(t *testing.T) {
	_, err := config.Load(writeConfig(t, "capture:\n  default_interval_minutes: 5\n"))
	assert.ErrorIs(t, err, config.ErrMissingBaseURL)
}

func TestLoad_UnknownQueueBackendRejected(t *testing.T) {
	yaml := validYAML + "\n"
	cfgPath := writeConfig(t, yaml)
	t.Setenv("TRACKENGINE_QUEUE_BACKEND", "memcached")

	_, err := config.Load(cfgPath)
	assert.ErrorContains(t, err, "unknown queue backend")
}

func TestLoad_MalformedYAMLRejected(t *testing.T) {
	_, err := config.Load(writeConfig(t, "api: [not a mapping"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_MissingFileRejected(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_IntervalBounds(t *testing.T) {
	cfg := &config.Config{}
	cfg.API.BaseURL = "https://api.example.com"
	cfg.Capture.DefaultIntervalMinutes = 0
	cfg.Queue.Backend = config.QueueBackendSQLite

	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidInterval)

	cfg.Capture.DefaultIntervalMinutes = 1
	assert.NoError(t, cfg.Validate())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)

	loaded := make(chan *config.Config, 1)
	w, err := config.Watch(path, logger.NewNop(), func(cfg *config.Config) {
		select {
		case loaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	updated := validYAML + "health:\n  failure_threshold: 9\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-loaded:
		assert.Equal(t, 9, cfg.Health.FailureThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never fired")
	}
}

func TestWatch_RejectsInvalidReload(t *testing.T) {
	path := writeConfig(t, validYAML)

	reloads := make(chan struct{}, 4)
	w, err := config.Watch(path, logger.NewNop(), func(*config.Config) {
		reloads <- struct{}{}
	})
	require.NoError(t, err)
	defer w.Close()

	// A broken write must not reach the callback.
	require.NoError(t, os.WriteFile(path, []byte("api: [broken"), 0o644))

	select {
	case <-reloads:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(200 * time.Millisecond):
	}
}
