package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

storage:
  type: "local"
  local_path: "./test-data"

pmta:
  host: "10.0.0.5"
  port: 8443
  bridge_mode: "http"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, "./test-data", cfg.Storage.LocalPath)

	assert.Equal(t, "10.0.0.5", cfg.PMTA.Host)
	assert.Equal(t, 8443, cfg.PMTA.Port)
	assert.Equal(t, "http", cfg.PMTA.BridgeMode)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "127.0.0.1", cfg.PMTA.Host)
	assert.Equal(t, 8080, cfg.PMTA.Port)
	assert.Equal(t, "/var/log/pmta", cfg.PMTA.AcctLogDir)
	assert.Equal(t, "acct-*.csv", cfg.PMTA.AcctFilePattern)
	assert.Equal(t, "direct", cfg.PMTA.BridgeMode)
}

func TestLoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("pmta:\n  host: \"file-host\"\n"), 0644)
	require.NoError(t, err)

	os.Setenv("PMTA_HOST", "env-host")
	os.Setenv("PMTA_BRIDGE_MODE", "http")
	defer func() {
		os.Unsetenv("PMTA_HOST")
		os.Unsetenv("PMTA_BRIDGE_MODE")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.PMTA.Host)
	assert.Equal(t, "http", cfg.PMTA.BridgeMode)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestServerConfig_GetHost_EnvOverride(t *testing.T) {
	os.Setenv("SERVER_HOST", "192.168.1.1")
	defer os.Unsetenv("SERVER_HOST")

	cfg := ServerConfig{Host: "localhost"}
	assert.Equal(t, "192.168.1.1", cfg.GetHost())
}
