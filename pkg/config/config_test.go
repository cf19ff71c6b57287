package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "switch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":3000", cfg.Server.Address)
	assert.Equal(t, "./switch-data", cfg.DataDir)
	assert.Equal(t, "localhost", cfg.Eureka.Host)
	assert.Equal(t, 8761, cfg.Eureka.Port)
	assert.Equal(t, "/eureka/apps", cfg.Eureka.ServicePath)
	assert.Equal(t, 30*time.Second, cfg.Eureka.HeartbeatInterval)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, 10, cfg.Health.WindowSize)
	assert.Equal(t, 0.7, cfg.Health.FailureRate)
	assert.Equal(t, 300*time.Second, cfg.Health.MinSuccessInterval)
	assert.Equal(t, 180*time.Second, cfg.RegistryWatch.MaxUnavailable)
	assert.Equal(t, 4000, cfg.PortRange.Start)
	assert.Equal(t, 4100, cfg.PortRange.End)
	assert.Equal(t, 4096, cfg.Proxy.MaxBodyBytes)
	assert.Equal(t, "@every 10m", cfg.Retention.Schedule)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
server:
  address: ":8080"
eureka:
  host: registry.internal
  heartbeat_interval: 10s
health:
  window_size: 20
port_range:
  start: 5000
  end: 5100
`)
	t.Setenv("SWITCH_EUREKA_PORT", "9761")
	t.Setenv("SWITCH_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "registry.internal", cfg.Eureka.Host)
	assert.Equal(t, 9761, cfg.Eureka.Port)
	assert.Equal(t, 10*time.Second, cfg.Eureka.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 20, cfg.Health.WindowSize)
	assert.Equal(t, 3, cfg.Health.ConsecutiveFailures)
	assert.Equal(t, 5000, cfg.PortRange.Start)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"inverted port range", "port_range:\n  start: 5000\n  end: 4000\n"},
		{"failure rate above one", "health:\n  failure_rate: 1.5\n"},
		{"empty eureka host", "eureka:\n  host: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			assert.Error(t, err)
		})
	}
}
