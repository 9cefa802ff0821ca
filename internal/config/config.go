package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkCaptureMode 网络捕获模式
type NetworkCaptureMode string

const (
	CaptureAutomatic NetworkCaptureMode = "automatic"
	CaptureManual    NetworkCaptureMode = "manual"
)

// NetworkCaptureScope 网络捕获范围
type NetworkCaptureScope string

const (
	ScopeHTTP      NetworkCaptureScope = "http"
	ScopeWebSocket NetworkCaptureScope = "websocket"
	ScopeAll       NetworkCaptureScope = "all"
)

// BridgeConfig 桥接通道子配置
type BridgeConfig struct {
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	BatchSize            int           `yaml:"batch_size"`
	FlushInterval        time.Duration `yaml:"flush_interval"`
	RecoveryBatchSize    int           `yaml:"recovery_batch_size"`
}

// Config 探针配置
type Config struct {
	HubURL string `yaml:"hub_url"`
	Token  string `yaml:"token"`

	EnableNetworkCapture bool                `yaml:"enable_network_capture"`
	EnableLogCapture     bool                `yaml:"enable_log_capture"`
	MaxBufferSize        int                 `yaml:"max_buffer_size"`
	NetworkCaptureMode   NetworkCaptureMode  `yaml:"network_capture_mode"`
	NetworkCaptureScope  NetworkCaptureScope `yaml:"network_capture_scope"`

	EnablePersistence        bool   `yaml:"enable_persistence"`
	MaxPersistenceQueueSize  int    `yaml:"max_persistence_queue_size"`
	PersistenceRetentionDays int    `yaml:"persistence_retention_days"`
	PersistenceDir           string `yaml:"persistence_dir"`

	BreakpointTimeout time.Duration `yaml:"breakpoint_timeout"`

	Bridge BridgeConfig `yaml:"bridge"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{
		EnableNetworkCapture:     true,
		EnableLogCapture:         true,
		MaxBufferSize:            10000,
		NetworkCaptureMode:       CaptureAutomatic,
		NetworkCaptureScope:      ScopeAll,
		EnablePersistence:        true,
		MaxPersistenceQueueSize:  100000,
		PersistenceRetentionDays: 3,
		PersistenceDir:           "debugprobe-spool",
		BreakpointTimeout:        30 * time.Second,
		Bridge: BridgeConfig{
			ReconnectInterval:    3 * time.Second,
			MaxReconnectInterval: 30 * time.Second,
			MaxReconnectAttempts: 0,
			HeartbeatInterval:    15 * time.Second,
			BatchSize:            100,
			FlushInterval:        time.Second,
			RecoveryBatchSize:    50,
		},
	}
	cfg.Log.Level = "debug"
	cfg.Log.Writer = []string{"console", "file"}
	return cfg
}

// Load 读取 yaml 配置文件，缺省字段取默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// Retention 持久化保留时长
func (c *Config) Retention() time.Duration {
	return time.Duration(c.PersistenceRetentionDays) * 24 * time.Hour
}

// ParseSettingsURL 解析 debughub://<host>:<port>?token=<token> 形式的配置地址
func ParseSettingsURL(raw string) (*Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("配置地址解析失败: %w", err)
	}
	if u.Scheme != "debughub" {
		return nil, fmt.Errorf("不支持的配置地址协议: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("配置地址缺少主机")
	}
	cfg := NewConfig()
	cfg.HubURL = "ws://" + u.Host
	cfg.Token = u.Query().Get("token")
	return cfg, nil
}

// SettingsURL 还原为 debughub:// 配置地址，与 ParseSettingsURL 往返无损
func (c *Config) SettingsURL() string {
	host := strings.TrimPrefix(strings.TrimPrefix(c.HubURL, "wss://"), "ws://")
	q := url.Values{}
	q.Set("token", c.Token)
	return (&url.URL{Scheme: "debughub", Host: host, RawQuery: q.Encode()}).String()
}
