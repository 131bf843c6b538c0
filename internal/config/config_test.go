package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/swarm/internal/config"
)

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mailstore:
  path: /tmp/swarm.db
supervisor:
  agents: [recon, forge]
  chief_agent: command
worker:
  lease_seconds: 45
metrics:
  addr: ":9090"
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/swarm.db", cfg.MailStore.Path)
	require.Equal(t, []string{"recon", "forge"}, cfg.Supervisor.Agents)
	require.Equal(t, "command", cfg.Supervisor.ChiefAgent)
	require.Equal(t, 45, cfg.Worker.LeaseSeconds)
	require.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mailstore:\n  path: /from/file.db\n"), 0o644))

	t.Setenv("SWARM_DB_PATH", "/from/env.db")
	t.Setenv("CONFIG_PATH", path)

	cfg := config.Get()
	require.Equal(t, "/from/env.db", cfg.MailStore.Path)
}
