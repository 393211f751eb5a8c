package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-labs/marketplace-core/internal/config"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agora.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
project_root = "/tmp/p"
agent_name = "alpha"
store_uri = "mongodb://localhost/agora"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 72*time.Hour, cfg.EventRetention)
	require.Equal(t, 1024, cfg.SubscriberQueueSize)
	require.Equal(t, 256, cfg.ReducerQueueDepth)
	require.Equal(t, 30*time.Second, cfg.RequestDefaultDeadline)
	require.Equal(t, 300*time.Second, cfg.RequestMaxDeadline)
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	path := writeTempConfig(t, `
project_root = "/tmp/p"
store_uri = "mongodb://localhost/agora"
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDeadlineOverMax(t *testing.T) {
	path := writeTempConfig(t, `
project_root = "/tmp/p"
agent_name = "alpha"
store_uri = "mongodb://localhost/agora"
request_default_deadline = "400s"
request_max_deadline = "300s"
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeTempConfig(t, `
project_root = "/tmp/p"
agent_name = "alpha"
store_uri = "mongodb://localhost/agora"
`)
	t.Setenv("AGORA_AGENT_NAME", "beta")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "beta", cfg.AgentName)
}
