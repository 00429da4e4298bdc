package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, 2, cfg.Loops.DispatchIntervalSeconds)
	require.Equal(t, 60, cfg.Loops.EmissionPollSeconds)
	require.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	require.Equal(t, 60, cfg.HTTP.SubmitRateLimitPerMin)
	require.NotEmpty(t, cfg.Database.DSN)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
dsn = "postgres://db.internal:5432/pool"
max_connections = 32

[loops]
dispatch_interval_seconds = 1
dispatch_batch_size = 100
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://db.internal:5432/pool", cfg.Database.DSN)
	require.Equal(t, 32, cfg.Database.MaxConnections)
	require.Equal(t, 1, cfg.Loops.DispatchIntervalSeconds)
	require.Equal(t, 100, cfg.Loops.DispatchBatchSize)
	// Sections absent from the file keep defaults.
	require.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	require.Equal(t, 60, cfg.Loops.EmissionPollSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.toml")
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COORDINATOR_DATABASE_DSN", "postgres://env-wins:5432/pool")
	t.Setenv("COORDINATOR_HTTP_LISTEN_ADDR", ":9090")
	t.Setenv("COORDINATOR_DISPATCH_INTERVAL_SECONDS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://env-wins:5432/pool", cfg.Database.DSN)
	require.Equal(t, ":9090", cfg.HTTP.ListenAddr)
	require.Equal(t, 7, cfg.Loops.DispatchIntervalSeconds)
}

func TestEnvOverrideBadNumberIgnored(t *testing.T) {
	t.Setenv("COORDINATOR_DISPATCH_INTERVAL_SECONDS", "often")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Loops.DispatchIntervalSeconds)
}
