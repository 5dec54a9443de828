package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remora.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
remora:
  metrics_addr: "127.0.0.1:6880"
  broker:
    sweep_interval: 2s
    client_timeout: 45s
    enable_upload: true
  engine:
    name: memory
  ws:
    addr: "127.0.0.1:6881"
`), 0o600))

	cfgFile, err := ParseConfigFile(path)
	require.NoError(t, err)

	cfg := cfgFile.Remora
	require.Equal(t, "127.0.0.1:6880", cfg.MetricsAddr)
	require.Equal(t, 2*time.Second, cfg.Broker.SweepInterval)
	require.Equal(t, 45*time.Second, cfg.Broker.ClientTimeout)
	require.True(t, cfg.Broker.EnableUpload)
	require.Equal(t, "memory", cfg.Engine.Name)
	require.Equal(t, "127.0.0.1:6881", cfg.WS.Addr)
}

func TestParseConfigFileMissing(t *testing.T) {
	_, err := ParseConfigFile("")
	require.Error(t, err)

	_, err = ParseConfigFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestParseConfigFileExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remora.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remora:\n  metrics_addr: x\n"), 0o600))

	t.Setenv("REMORA_TEST_CONFIG_DIR", dir)
	cfgFile, err := ParseConfigFile("$REMORA_TEST_CONFIG_DIR/remora.yaml")
	require.NoError(t, err)
	require.Equal(t, "x", cfgFile.Remora.MetricsAddr)
}
