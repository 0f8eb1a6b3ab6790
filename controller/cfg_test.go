package controller

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/yanet-platform/fabricd/controller/internal/fabric"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "controller.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 6, cfg.Fabric.Width)
	require.Equal(t, 1, cfg.Fabric.EdgeDomains)
	require.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	require.Equal(t, 100*datasize.MB, cfg.Trigger.Threshold)
	require.Equal(t, fabric.PortNo(20), cfg.Trigger.MaxPhysicalPort)
	require.Equal(t, "0.0.0.0:6633", cfg.Controller.Endpoint)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
controller:
  endpoint: "127.0.0.1:6653"
  handshake_timeout: 3s
  admin_endpoint: ""
  allowed_datapaths:
    - "00000000000101*"
    - "00000000000200*"
fabric:
  width: 4
  edge_domains: 2
monitor:
  interval: 500ms
trigger:
  threshold: 64MB
  max_physical_port: 16
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	require.Equal(t, "127.0.0.1:6653", cfg.Controller.Endpoint)
	require.Equal(t, 3*time.Second, cfg.Controller.HandshakeTimeout)
	require.Equal(t, time.Second, cfg.Controller.WriteTimeout)
	require.Empty(t, cfg.Controller.AdminEndpoint)
	require.Equal(t, []string{"00000000000101*", "00000000000200*"}, cfg.Controller.AllowedDatapaths)
	require.Equal(t, 4, cfg.Fabric.Width)
	require.Equal(t, 2, cfg.Fabric.EdgeDomains)
	require.Equal(t, 500*time.Millisecond, cfg.Monitor.Interval)
	require.Equal(t, time.Second, cfg.Monitor.RequestTimeout)
	require.Equal(t, 64*datasize.MB, cfg.Trigger.Threshold)
	require.Equal(t, fabric.PortNo(16), cfg.Trigger.MaxPhysicalPort)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero width", "fabric: {width: 0}"},
		{"too many edge domains", "fabric: {edge_domains: 300}"},
		{"zero interval", "monitor: {interval: 0s}"},
		{"zero threshold", "trigger: {threshold: 0}"},
		{"bad glob", `controller: {allowed_datapaths: ["[0-"]}`},
		{"no patterns", "controller: {allowed_datapaths: []}"},
		{"bad yaml", "fabric: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := LoadConfig("etc/controller.yaml")
	require.NoError(t, err)

	defaults := DefaultConfig()
	require.Equal(t, defaults.Fabric, cfg.Fabric)
	require.Equal(t, defaults.Monitor, cfg.Monitor)
	require.Equal(t, defaults.Trigger, cfg.Trigger)
	require.Equal(t, defaults.Controller.Config, cfg.Controller.Config)
}
