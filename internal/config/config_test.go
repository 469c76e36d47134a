package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.GreaterOrEqual(t, cfg.Crawler.Workers, 8)
	require.Equal(t, int32(8), cfg.Backend.MaxConns)
	require.False(t, cfg.Headless.Enabled)
	require.Equal(t, 9091, cfg.Ops.Port)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lopez.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  dsn: postgres://lopez@localhost/lopez
crawler:
  workers: 3
ops:
  enabled: true
  port: 9999
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://lopez@localhost/lopez", cfg.Backend.DSN)
	require.Equal(t, 3, cfg.Crawler.Workers)
	require.Equal(t, 9999, cfg.Ops.Port)
}

func TestStdPathEnvOverride(t *testing.T) {
	t.Setenv("LOPEZ_STD", "/opt/lcd")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/opt/lcd", cfg.Crawler.StdPath)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Crawler.Workers = 0
	require.Error(t, cfg.Validate())
}
