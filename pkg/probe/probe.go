// Package probe 探针的对外门面：按配置装配事件缓冲、磁盘队列、
// 规则引擎、拦截流水线、桥接通道与数据库巡检，并管理其生命周期。
package probe

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/sunimp/DebugProbe/internal/bridge"
	"github.com/sunimp/DebugProbe/internal/bus"
	"github.com/sunimp/DebugProbe/internal/config"
	"github.com/sunimp/DebugProbe/internal/inspector"
	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/internal/pipeline"
	"github.com/sunimp/DebugProbe/internal/rules"
	"github.com/sunimp/DebugProbe/internal/spool"
	"github.com/sunimp/DebugProbe/pkg/event"
	"github.com/sunimp/DebugProbe/pkg/protocol"
	"github.com/sunimp/DebugProbe/pkg/rulespec"
)

// Options 探针构造参数
type Options struct {
	Config     *config.Config
	DeviceInfo protocol.DeviceInfo
	Logger     logger.Logger

	// Transport 真实网络使用的内层传输，缺省为 http.DefaultTransport
	Transport http.RoundTripper

	// OnStateChange / OnError 透传给桥接回调
	OnStateChange func(bridge.State)
	OnError       func(error)
}

// Probe 探针控制器
type Probe struct {
	cfg *config.Config
	log logger.Logger

	bus         *bus.Bus
	spoolQ      *spool.Queue
	mockEngine  *rules.MockEngine
	breakEngine *rules.BreakpointEngine
	chaosEngine *rules.ChaosEngine
	interceptor *pipeline.Interceptor
	wsTracker   *pipeline.WSTracker
	inspector   *inspector.Inspector
	bridge      *bridge.Client

	mu             sync.RWMutex
	networkCapture bool
	logCapture     bool
	started        bool
}

// New 装配探针，不发起连接
func New(opts Options) (*Probe, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("缺少调试台地址")
	}
	l := opts.Logger
	if l == nil {
		l = logger.New(logger.Options{Level: cfg.Log.Level, Writers: cfg.Log.Writer})
	}

	p := &Probe{
		cfg:            cfg,
		log:            l,
		networkCapture: cfg.EnableNetworkCapture,
		logCapture:     cfg.EnableLogCapture,
	}

	p.bus = bus.New(cfg.MaxBufferSize, bus.DropPolicy{Kind: bus.DropOldest}, l.With("component", "bus"))

	if cfg.EnablePersistence {
		q, err := spool.Open(cfg.PersistenceDir, spool.Options{
			MaxQueueSize: cfg.MaxPersistenceQueueSize,
			Retention:    cfg.Retention(),
		}, l.With("component", "spool"))
		if err != nil {
			return nil, fmt.Errorf("打开磁盘队列失败: %w", err)
		}
		p.spoolQ = q
	}

	p.mockEngine = rules.NewMockEngine(l.With("component", "mock"))
	p.breakEngine = rules.NewBreakpointEngine(cfg.BreakpointTimeout, l.With("component", "breakpoint"))
	p.chaosEngine = rules.NewChaosEngine(l.With("component", "chaos"))

	p.interceptor = pipeline.New(pipeline.Config{
		Sink:       p.bus,
		MockEngine: p.mockEngine,
		Breakpoint: p.breakEngine,
		Chaos:      p.chaosEngine,
		Network:    pipeline.NewNetwork(opts.Transport),
		Logger:     l.With("component", "pipeline"),
	})
	p.wsTracker = pipeline.NewWSTracker(p.bus, p.mockEngine, l.With("component", "ws"))
	p.inspector = inspector.New(l.With("component", "inspector"))

	p.bridge = bridge.New(bridge.Options{
		HubURL:     cfg.HubURL,
		Token:      cfg.Token,
		DeviceInfo: opts.DeviceInfo,
		Bridge:     cfg.Bridge,
		Bus:        p.bus,
		Spool:      p.spoolQ,
		Engines: bridge.Engines{
			Mock:       p.mockEngine,
			Breakpoint: p.breakEngine,
			Chaos:      p.chaosEngine,
		},
		Inspector: p.inspector,
		Callbacks: bridge.Callbacks{
			OnStateChange:   opts.OnStateChange,
			OnError:         opts.OnError,
			OnToggleCapture: p.ToggleCapture,
		},
		Logger: l.With("component", "bridge"),
	})
	return p, nil
}

// Start 发起与调试台的连接
func (p *Probe) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	p.log.Info("探针启动", "hub", p.cfg.HubURL)
	p.bridge.Connect()
}

// Stop 断开连接并释放资源
func (p *Probe) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	p.bridge.Close()
	if p.spoolQ != nil {
		p.spoolQ.Close()
	}
	p.log.Info("探针停止")
}

// Reconnect 主动断开并重新连接
func (p *Probe) Reconnect() {
	p.bridge.Disconnect()
	p.bridge.Connect()
}

// ToggleCapture 切换网络与日志捕获开关
func (p *Probe) ToggleCapture(network, log bool) {
	p.mu.Lock()
	p.networkCapture = network
	p.logCapture = log
	p.mu.Unlock()
	p.log.Info("捕获开关变更", "network", network, "log", log)
}

func (p *Probe) networkEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.networkCapture &&
		(p.cfg.NetworkCaptureScope == config.ScopeAll || p.cfg.NetworkCaptureScope == config.ScopeHTTP)
}

func (p *Probe) wsEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.networkCapture &&
		(p.cfg.NetworkCaptureScope == config.ScopeAll || p.cfg.NetworkCaptureScope == config.ScopeWebSocket)
}

// Transport 返回包装后的 RoundTripper，供宿主 http.Client 挂接
func (p *Probe) Transport(inner http.RoundTripper) http.RoundTripper {
	return pipeline.NewTransport(inner, p.interceptor, p.networkEnabled)
}

// CaptureLog 捕获一条应用日志
func (p *Probe) CaptureLog(payload event.LogPayload) {
	p.mu.RLock()
	enabled := p.logCapture
	p.mu.RUnlock()
	if !enabled {
		return
	}
	p.bus.Enqueue(event.NewLogEvent(payload))
}

// WSSessionOpened 记录 WebSocket 会话建立
func (p *Probe) WSSessionOpened(url string, headers event.Header, subprotocols []string) string {
	if !p.wsEnabled() {
		return ""
	}
	return p.wsTracker.SessionOpened(url, headers, subprotocols)
}

// WSSessionClosed 记录 WebSocket 会话关闭
func (p *Probe) WSSessionClosed(id string, closeCode *int, reason string) {
	if id == "" {
		return
	}
	p.wsTracker.SessionClosed(id, closeCode, reason)
}

// WSOutgoingFrame 处理发送帧，返回可能被 Mock 替换的载荷
func (p *Probe) WSOutgoingFrame(sessionID string, opcode event.FrameOpcode, payload []byte) []byte {
	if sessionID == "" || !p.wsEnabled() {
		return payload
	}
	return p.wsTracker.OutgoingFrame(sessionID, opcode, payload)
}

// WSIncomingFrame 处理接收帧
func (p *Probe) WSIncomingFrame(sessionID string, opcode event.FrameOpcode, payload []byte) []byte {
	if sessionID == "" || !p.wsEnabled() {
		return payload
	}
	return p.wsTracker.IncomingFrame(sessionID, opcode, payload)
}

// RegisterDatabase 注册可被巡检的数据库
func (p *Probe) RegisterDatabase(info inspector.Database) error {
	return p.inspector.RegisterDatabase(info)
}

// UpdateMockRules 本地更新 Mock 规则（通常由调试台下发）
func (p *Probe) UpdateMockRules(list []rulespec.MockRule) {
	p.mockEngine.UpdateRules(list)
}

// UpdateBreakpointRules 本地更新断点规则
func (p *Probe) UpdateBreakpointRules(list []rulespec.BreakpointRule) {
	p.breakEngine.UpdateRules(list)
}

// UpdateChaosRules 本地更新故障注入规则
func (p *Probe) UpdateChaosRules(list []rulespec.ChaosRule) {
	p.chaosEngine.UpdateRules(list)
}

// Stats 汇总三个引擎的统计
func (p *Probe) Stats() map[string]rules.EngineStats {
	return map[string]rules.EngineStats{
		"mock":       p.mockEngine.Stats(),
		"breakpoint": p.breakEngine.Stats(),
		"chaos":      p.chaosEngine.Stats(),
	}
}

// BufferLen 事件缓冲当前长度
func (p *Probe) BufferLen() int {
	return p.bus.Len()
}
