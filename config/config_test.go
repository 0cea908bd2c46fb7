package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.PlanTimeout)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Events.MaxAttempts)
	assert.Equal(t, 16, cfg.Recovery.MaxDropPasses)
	assert.True(t, cfg.Recovery.LinearFallback)
	assert.Equal(t, filepath.Join("data", "cache"), filepath.Clean(cfg.CachePath()))
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planwright.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":8080"
scheduler:
  workers: 8
  task_timeout: 30s
cache:
  backend: badger
`), 0o600))

	t.Setenv("PLANWRIGHT_EVENTS_SECRET", "s3cret")
	t.Setenv("PLANWRIGHT_SCHEDULER_WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Scheduler.Workers, "env wins over file")
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.PlanTimeout, "untouched keys keep defaults")
	assert.Equal(t, "badger", cfg.Cache.Backend)
	assert.Equal(t, "s3cret", cfg.Events.Secret)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("PLANWRIGHT_SCHEDULER_WORKERS", "0")
	_, err := Load("")
	assert.ErrorContains(t, err, "scheduler.workers")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "planwright.yaml")
	cfg := DefaultConfig()
	cfg.Backend.Provider = "openai"
	cfg.Events.SinkURL = "https://example.test/hook"
	require.NoError(t, Write(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "openai", got.Backend.Provider)
	assert.Equal(t, "https://example.test/hook", got.Events.SinkURL)

	assert.Error(t, Write(path, cfg), "existing file is not overwritten")
}
