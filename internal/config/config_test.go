package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 100, cfg.Concurrency.MaxConcurrentWorkflows)
	require.Equal(t, 5, cfg.Breaker.Threshold)
	require.Equal(t, 30, cfg.Breaker.CooldownS)
	require.Equal(t, 4<<20, cfg.Storage.CheckpointMaxSizeBytes)
}

func TestLoadWithMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadParsesYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
concurrency:
  max_concurrent_workflows: 42
breaker:
  threshold: 7
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 42, cfg.Concurrency.MaxConcurrentWorkflows)
	require.Equal(t, 7, cfg.Breaker.Threshold)
	require.Equal(t, 3, cfg.Breaker.ConsecutiveThreshold, "unset fields keep their default")
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency:\n  max_concurrent_workflows: 42\n"), 0o644))

	t.Setenv("MAHAVISHNU_MAX_CONCURRENT_WORKFLOWS", "7")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Concurrency.MaxConcurrentWorkflows)
}

func TestEnvOverridesApplyWithoutAFile(t *testing.T) {
	t.Setenv("MAHAVISHNU_RETRY_MULTIPLIER", "3.5")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 3.5, cfg.Retry.Multiplier)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("concurrency: [this is not a mapping"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
