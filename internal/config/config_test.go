package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangzy723/Rebuilt-PyTorch/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "logs", cfg.LogDir)
	assert.Equal(t, 100, cfg.ScanIntervalMs)
	assert.Equal(t, 5000, cfg.ResponseTimeoutMs)
	assert.Equal(t, 5000, cfg.ConnectTimeoutMs)
	assert.Contains(t, cfg.RegistryName, "/kernel_scheduler_registry_")
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("KS_CONFIG", "")
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"log_dir: /tmp/ks-logs\nscan_interval_ms: 25\nresponse_timeout_ms: 1000\n"), 0o644))
	t.Setenv("KS_CONFIG", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ks-logs", cfg.LogDir)
	assert.Equal(t, 25, cfg.ScanIntervalMs)
	assert.Equal(t, 1000, cfg.ResponseTimeoutMs)
	// Unset keys keep their defaults.
	assert.Equal(t, 5000, cfg.ConnectTimeoutMs)
	assert.Equal(t, config.Default().RegistryName, cfg.RegistryName)
}

func TestLoadBadFile(t *testing.T) {
	t.Setenv("KS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := config.Load()
	assert.Error(t, err)
	// Defaults still come back usable.
	assert.Equal(t, config.Default(), cfg)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_dir: [unclosed"), 0o644))
	t.Setenv("KS_CONFIG", path)
	_, err = config.Load()
	assert.Error(t, err)
}
