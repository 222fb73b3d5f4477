package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3000", cfg.Listen())
	assert.Equal(t, 3, cfg.MaxSessionsPerUser)
	assert.Equal(t, "1GB", cfg.Container.MemoryLimit)
	assert.Equal(t, 300, cfg.Lifecycle.GracePeriodSeconds)
	assert.Equal(t, 10, cfg.RateLimit.SessionCreateLimit)
	assert.True(t, cfg.ValidateCommands)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noxterm.yaml")
	data := `
port: 8088
container:
  memory_limit: 512MB
  pids_limit: 100
lifecycle:
  grace_period_seconds: 120
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Port)
	assert.Equal(t, "512MB", cfg.Container.MemoryLimit)
	assert.Equal(t, int64(100), cfg.Container.PidsLimit)
	assert.Equal(t, 120, cfg.Lifecycle.GracePeriodSeconds)
	// untouched fields keep defaults
	assert.Equal(t, "0.0.0.0", cfg.Host)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOXTERM_PORT", "9999")
	t.Setenv("NOXTERM_MEMORY_LIMIT", "2GB")
	t.Setenv("NOXTERM_ALLOWED_IMAGES", "alpine:3.20,ubuntu:24.04")
	t.Setenv("NOXTERM_RATE_LIMIT_ENABLED", "false")
	t.Setenv("NOXTERM_GRACE_PERIOD_SECONDS", "60")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "2GB", cfg.Container.MemoryLimit)
	assert.Equal(t, []string{"alpine:3.20", "ubuntu:24.04"}, cfg.Container.AllowedImages)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 60, cfg.Lifecycle.GracePeriodSeconds)
}

func TestMemoryBytes(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	mem, err := cfg.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), mem)
}

func TestValidate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate(logger))

	cfg.Port = 0
	assert.Error(t, cfg.Validate(logger))
	cfg.Port = 3000

	cfg.Container.MemoryLimit = "16MB"
	assert.Error(t, cfg.Validate(logger))
	cfg.Container.MemoryLimit = "1GB"

	cfg.Container.MemoryLimit = "not-a-size"
	assert.Error(t, cfg.Validate(logger))
	cfg.Container.MemoryLimit = "1GB"

	cfg.Container.AllowedImages = nil
	assert.Error(t, cfg.Validate(logger))
}
