package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.True(t, cfg.EnableNetworkCapture)
	assert.True(t, cfg.EnableLogCapture)
	assert.Equal(t, 10000, cfg.MaxBufferSize)
	assert.Equal(t, CaptureAutomatic, cfg.NetworkCaptureMode)
	assert.Equal(t, ScopeAll, cfg.NetworkCaptureScope)
	assert.True(t, cfg.EnablePersistence)
	assert.Equal(t, 100000, cfg.MaxPersistenceQueueSize)
	assert.Equal(t, 3, cfg.PersistenceRetentionDays)
	assert.Equal(t, 72*time.Hour, cfg.Retention())

	assert.Equal(t, 3*time.Second, cfg.Bridge.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.Bridge.MaxReconnectInterval)
	assert.Equal(t, 0, cfg.Bridge.MaxReconnectAttempts)
	assert.Equal(t, 15*time.Second, cfg.Bridge.HeartbeatInterval)
	assert.Equal(t, 100, cfg.Bridge.BatchSize)
	assert.Equal(t, time.Second, cfg.Bridge.FlushInterval)
	assert.Equal(t, 50, cfg.Bridge.RecoveryBatchSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.yaml")
	data := `
hub_url: ws://hub.local:9000
token: abc
enable_network_capture: false
max_buffer_size: 500
network_capture_scope: http
bridge:
  heartbeat_interval: 5s
  batch_size: 10
log:
  level: info
  writer: [console]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ws://hub.local:9000", cfg.HubURL)
	assert.False(t, cfg.EnableNetworkCapture)
	// 未出现的字段保持默认
	assert.True(t, cfg.EnableLogCapture)
	assert.Equal(t, 500, cfg.MaxBufferSize)
	assert.Equal(t, ScopeHTTP, cfg.NetworkCaptureScope)
	assert.Equal(t, 5*time.Second, cfg.Bridge.HeartbeatInterval)
	assert.Equal(t, 10, cfg.Bridge.BatchSize)
	assert.Equal(t, time.Second, cfg.Bridge.FlushInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestSettingsURLRoundTrip(t *testing.T) {
	raw := "debughub://hub.example.com:9000?token=s3cret"
	cfg, err := ParseSettingsURL(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws://hub.example.com:9000", cfg.HubURL)
	assert.Equal(t, "s3cret", cfg.Token)
	assert.Equal(t, raw, cfg.SettingsURL())
}

func TestParseSettingsURLErrors(t *testing.T) {
	_, err := ParseSettingsURL("https://hub.example.com")
	assert.Error(t, err)
	_, err = ParseSettingsURL("debughub://?token=x")
	assert.Error(t, err)
}
