package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, 200, cfg.MapProvider.MaintainNMaps)
}

func TestLoadLocalDevShrinksMapPool(t *testing.T) {
	t.Setenv("CFG_LOCAL_DEV", "true")
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, 20, cfg.MapProvider.MaintainNMaps)
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  host: db.internal
  port: 5433
identity:
  secret: s3cr3t
  url: https://auth.example.com/verify
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "db.internal", cfg.Database.Host)
	require.Equal(t, 5433, cfg.Database.Port)
	require.Equal(t, "s3cr3t", cfg.Identity.Secret)
}

func TestServerEnvOverrides(t *testing.T) {
	t.Setenv("CGF_HOST_NAME", "lobby.internal")
	t.Setenv("CGF_PORT", "9000")
	t.Setenv("CGF_DB_NAME", "cgf_test")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "lobby.internal", cfg.Server.HostName)
	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, "cgf_test", cfg.Server.DBName)
}
