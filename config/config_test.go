package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesSpecDefaults(t *testing.T) {
	l, err := NewLoader("")
	require.NoError(t, err)
	cfg, err := l.Load()
	require.NoError(t, err)

	require.Equal(t, 100, cfg.MaxConcurrentRequests)
	require.Equal(t, 2000, cfg.MaxRequestsPerMinute)
	require.Equal(t, 1024, cfg.MaxMemoryMB)
	require.Equal(t, 200.0, cfg.MaxCPUPercent)
	require.Equal(t, 300, cfg.StaleTimeoutSeconds)
	require.Equal(t, 60, cfg.ResourceCheckIntervalSecs)
	require.False(t, cfg.Debug)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("BRIDGE_MAX_CONCURRENT_REQUESTS", "5")
	t.Setenv("BRIDGE_DEBUG", "true")

	l, err := NewLoader("")
	require.NoError(t, err)
	cfg, err := l.Load()
	require.NoError(t, err)

	require.Equal(t, 5, cfg.MaxConcurrentRequests)
	require.True(t, cfg.Debug)
}

func TestConfigFileOverridesDefaultsButNotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridged.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_requests_per_minute: 42\nmax_concurrent_requests: 7\n"), 0o600))

	t.Setenv("BRIDGE_MAX_CONCURRENT_REQUESTS", "9")

	l, err := NewLoader(path)
	require.NoError(t, err)
	cfg, err := l.Load()
	require.NoError(t, err)

	require.Equal(t, 42, cfg.MaxRequestsPerMinute)
	require.Equal(t, 9, cfg.MaxConcurrentRequests) // env still wins over file
}

func TestMaxMemoryBytesConvertsFromMB(t *testing.T) {
	l, err := NewLoader("")
	require.NoError(t, err)
	cfg, err := l.Load()
	require.NoError(t, err)
	require.EqualValues(t, 1024*1024*1024, cfg.MaxMemoryBytes())
}

func TestLoadRejectsEmptySocketPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridged.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket_path: \"\"\n"), 0o600))
	l, err := NewLoader(path)
	require.NoError(t, err)
	_, err = l.Load()
	require.Error(t, err)
}
