// Package bridge 与调试台之间的长连双工通道：
// register → heartbeat → 批量事件上行 → 命令下行，
// 指数退避重连，断线期间事件溢出到磁盘队列并在注册后回灌。
// 连接、发送、刷新与重连逻辑全部串行在单一工作协程上，
// 定时器只负责向工作队列投递任务。
package bridge

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sunimp/DebugProbe/internal/bus"
	"github.com/sunimp/DebugProbe/internal/config"
	"github.com/sunimp/DebugProbe/internal/inspector"
	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/internal/rules"
	"github.com/sunimp/DebugProbe/internal/spool"
	"github.com/sunimp/DebugProbe/pkg/protocol"
)

// State 连接状态，只有 Registered 状态允许事件上行
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRegistered   State = "registered"
)

const (
	recoveryInterval = 500 * time.Millisecond
	writeTimeout     = 10 * time.Second
)

// Callbacks 面向宿主的回调，全部在单一协程上投递以避免重入
type Callbacks struct {
	OnStateChange   func(State)
	OnError         func(error)
	OnToggleCapture func(network, log bool)
}

// Engines 命令下行的规则引擎落点
type Engines struct {
	Mock       *rules.MockEngine
	Breakpoint *rules.BreakpointEngine
	Chaos      *rules.ChaosEngine
}

// Options 桥接构造参数
type Options struct {
	HubURL     string
	Token      string
	DeviceInfo protocol.DeviceInfo
	Bridge     config.BridgeConfig
	Bus        *bus.Bus
	Spool      *spool.Queue // 可为 nil，表示未启用持久化
	Engines    Engines
	Inspector  *inspector.Inspector
	Callbacks  Callbacks
	Logger     logger.Logger

	// Dialer 测试时可替换
	Dialer *websocket.Dialer
}

// Client 桥接客户端
type Client struct {
	opts Options
	log  logger.Logger

	work      chan func()
	callbacks chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// 以下字段仅在工作协程上访问
	conn            *websocket.Conn
	state           State
	manualClose     bool
	isFlushing      bool
	attempts        int
	currentInterval time.Duration
	sessionID       string
	timerStop       chan struct{}

	replayClient *http.Client
}

// New 创建桥接客户端
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	c := &Client{
		opts:            opts,
		log:             opts.Logger,
		work:            make(chan func(), 64),
		callbacks:       make(chan func(), 64),
		done:            make(chan struct{}),
		state:           StateDisconnected,
		currentInterval: opts.Bridge.ReconnectInterval,
		// 回放走干净的、未被拦截的传输层
		replayClient: &http.Client{Transport: &http.Transport{}, Timeout: 30 * time.Second},
	}
	c.wg.Add(2)
	go c.workLoop()
	go c.callbackLoop()
	if opts.Engines.Breakpoint != nil {
		opts.Engines.Breakpoint.SetHitHandler(c.onBreakpointHit)
	}
	return c
}

func (c *Client) workLoop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Client) callbackLoop() {
	defer c.wg.Done()
	for {
		select {
		case fn := <-c.callbacks:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Client) post(fn func()) {
	select {
	case c.work <- fn:
	case <-c.done:
	}
}

func (c *Client) emitCallback(fn func()) {
	if fn == nil {
		return
	}
	select {
	case c.callbacks <- fn:
	case <-c.done:
	}
}

// Connect 发起连接
func (c *Client) Connect() {
	c.post(func() {
		c.manualClose = false
		c.connect()
	})
}

// Disconnect 手动断开，抑制自动重连
func (c *Client) Disconnect() {
	c.post(func() {
		c.manualClose = true
		c.teardown()
		c.setState(StateDisconnected)
	})
}

// Close 释放桥接，停止所有协程
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.Disconnect()
		// 给断开任务一个执行窗口后停止工作循环
		time.AfterFunc(100*time.Millisecond, func() { close(c.done) })
		c.wg.Wait()
	})
}

// State 当前状态（测试与诊断用，读取经工作协程往返）
func (c *Client) State() State {
	ch := make(chan State, 1)
	c.post(func() { ch <- c.state })
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		return StateDisconnected
	}
}

func (c *Client) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.log.Info("桥接状态变更", "state", string(s))
	if cb := c.opts.Callbacks.OnStateChange; cb != nil {
		c.emitCallback(func() { cb(s) })
	}
}

// connect 工作协程上执行的拨号与注册
func (c *Client) connect() {
	if c.state != StateDisconnected {
		return
	}
	c.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.Token)
	conn, _, err := c.opts.Dialer.Dial(c.opts.HubURL, header)
	if err != nil {
		c.log.Err(err, "连接调试台失败", "hub", c.opts.HubURL)
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return
	}
	c.conn = conn
	c.setState(StateConnected)
	c.log.Info("通道已建立，发送注册帧", "hub", c.opts.HubURL)

	if err := c.send(protocol.Message{
		Type:     protocol.TypeRegister,
		Register: &protocol.RegisterPayload{DeviceInfo: c.opts.DeviceInfo, Token: c.opts.Token},
	}); err != nil {
		c.handleDisconnect(err)
		return
	}
	go c.readPump(conn)
}

// readPump 持续接收下行帧并转投工作协程
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.post(func() {
				if c.conn == conn { // 旧连接的收尾不触发重连
					c.handleDisconnect(err)
				}
			})
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// 未知标签忽略，解码失败记录后丢弃
			c.log.Warn("丢弃无法解码的下行帧", "error", err.Error())
			continue
		}
		c.post(func() { c.dispatch(msg) })
	}
}

// dispatch 下行命令路由
func (c *Client) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		c.sessionID = msg.Registered.SessionID
		c.attempts = 0
		c.currentInterval = c.opts.Bridge.ReconnectInterval
		c.setState(StateRegistered)
		c.log.Info("注册成功", "sessionID", c.sessionID)
		c.startTimers()
	case protocol.TypeHeartbeat:
		// 对端心跳，无需处理
	case protocol.TypeToggleCapture:
		if cb := c.opts.Callbacks.OnToggleCapture; cb != nil {
			p := msg.ToggleCapture
			c.emitCallback(func() { cb(p.Network, p.Log) })
		}
	case protocol.TypeUpdateMockRules:
		if c.opts.Engines.Mock != nil {
			c.opts.Engines.Mock.UpdateRules(msg.MockRules)
		}
	case protocol.TypeUpdateBreakpointRules:
		if c.opts.Engines.Breakpoint != nil {
			c.opts.Engines.Breakpoint.UpdateRules(msg.BreakpointRules)
		}
	case protocol.TypeUpdateChaosRules:
		if c.opts.Engines.Chaos != nil {
			c.opts.Engines.Chaos.UpdateRules(msg.ChaosRules)
		}
	case protocol.TypeBreakpointResume:
		c.resolveBreakpoint(msg.BreakpointResume)
	case protocol.TypeReplayRequest:
		go c.replay(*msg.ReplayRequest)
	case protocol.TypeDBCommand:
		if c.opts.Inspector == nil {
			return
		}
		cmd := *msg.DBCommand
		// 巡检命令在独立协程执行，避免阻塞桥接循环
		go func() {
			resp := c.opts.Inspector.Handle(cmd)
			c.post(func() {
				if err := c.send(protocol.Message{Type: protocol.TypeDBResponse, DBResponse: &resp}); err != nil {
					c.log.Err(err, "巡检应答发送失败", "requestID", cmd.RequestID)
				}
			})
		}()
	case protocol.TypeRequestExport:
		// 导出由调试台基于已上行事件完成，探针侧无需动作
		c.log.Debug("忽略导出请求", "from", msg.RequestExport.TimeFrom, "to", msg.RequestExport.TimeTo)
	case protocol.TypeError:
		err := fmt.Errorf("调试台错误 %d: %s", msg.Error.Code, msg.Error.Message)
		c.log.Warn("收到调试台错误帧", "code", msg.Error.Code, "message", msg.Error.Message)
		if cb := c.opts.Callbacks.OnError; cb != nil {
			c.emitCallback(func() { cb(err) })
		}
	default:
		// 未知标签忽略
	}
}

// resolveBreakpoint 将 breakpointResume 翻译为断点决议
func (c *Client) resolveBreakpoint(p *protocol.BreakpointResumePayload) {
	if c.opts.Engines.Breakpoint == nil || p == nil {
		return
	}
	action := rules.BreakpointAction{Kind: rules.ActionResume}
	switch p.Action {
	case "continue", "resume":
		action.Kind = rules.ActionResume
	case "abort":
		action.Kind = rules.ActionAbort
	case "modify":
		action.Kind = rules.ActionModify
		if p.ModifiedRequest != nil {
			action.Request = p.ModifiedRequest.ToRequest(p.RequestID)
		}
		if p.ModifiedResponse != nil {
			action.Response = p.ModifiedResponse.ToResponse()
		}
	case "mockResponse":
		action.Kind = rules.ActionMockResponse
		if p.ModifiedResponse != nil {
			action.Response = p.ModifiedResponse.ToResponse()
		}
	default:
		// 其余一律按 resume 放行
	}
	if !c.opts.Engines.Breakpoint.Resolve(p.RequestID, action) {
		c.log.Warn("断点决议无对应挂起", "requestID", p.RequestID)
	}
}

// onBreakpointHit 断点命中经通道上报
func (c *Client) onBreakpointHit(hit rules.BreakpointHit) {
	payload := &protocol.BreakpointHitPayload{
		BreakpointID: hit.BreakpointID,
		RequestID:    hit.RequestID,
		Phase:        string(hit.Phase),
		Timestamp:    hit.Timestamp,
		Request:      protocol.SnapshotFromRequest(hit.Request),
		Response:     protocol.SnapshotFromResponse(hit.Response),
	}
	c.post(func() {
		if c.state != StateRegistered {
			c.log.Warn("未注册状态下的断点命中，无法上报", "requestID", hit.RequestID)
			return
		}
		if err := c.send(protocol.Message{Type: protocol.TypeBreakpointHit, BreakpointHit: payload}); err != nil {
			c.log.Err(err, "断点命中上报失败", "requestID", hit.RequestID)
		}
	})
}

// replay 用干净客户端重放请求，结果丢弃不上行
func (c *Client) replay(p protocol.ReplayRequestPayload) {
	req, err := http.NewRequest(p.Method, p.URL, bodyReader(p.Body))
	if err != nil {
		c.log.Err(err, "回放请求构造失败", "id", p.ID)
		return
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	resp, err := c.replayClient.Do(req)
	if err != nil {
		c.log.Err(err, "回放请求执行失败", "id", p.ID)
		return
	}
	resp.Body.Close()
	c.log.Debug("回放完成", "id", p.ID, "status", resp.StatusCode)
}

// startTimers 注册成功后启动心跳/刷新/回灌定时器
func (c *Client) startTimers() {
	c.stopTimers()
	stop := make(chan struct{})
	c.timerStop = stop

	heartbeat := time.NewTicker(c.opts.Bridge.HeartbeatInterval)
	flush := time.NewTicker(c.opts.Bridge.FlushInterval)
	recovery := time.NewTicker(recoveryInterval)
	go func() {
		defer heartbeat.Stop()
		defer flush.Stop()
		defer recovery.Stop()
		for {
			select {
			case <-heartbeat.C:
				c.post(c.sendHeartbeat)
			case <-flush.C:
				c.post(c.flushEvents)
			case <-recovery.C:
				c.post(c.recoverPersisted)
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()
}

func (c *Client) stopTimers() {
	if c.timerStop != nil {
		close(c.timerStop)
		c.timerStop = nil
	}
}

func (c *Client) sendHeartbeat() {
	if c.state != StateRegistered {
		return
	}
	if err := c.send(protocol.Message{Type: protocol.TypeHeartbeat}); err != nil {
		c.handleDisconnect(err)
	}
}

// flushEvents 刷新事件缓冲：已注册则批量上行并在成功后移除；
// 未注册且启用持久化则整体转入磁盘队列。同一时刻只允许一次刷新。
func (c *Client) flushEvents() {
	if c.isFlushing {
		return
	}
	c.isFlushing = true
	defer func() { c.isFlushing = false }()

	if c.state == StateRegistered {
		batch := c.opts.Bus.Peek(c.opts.Bridge.BatchSize)
		if len(batch) == 0 {
			return
		}
		if err := c.send(protocol.Message{Type: protocol.TypeEvents, Events: batch}); err != nil {
			c.log.Err(err, "事件批次发送失败，保留在缓冲中", "count", len(batch))
			c.handleDisconnect(err)
			return
		}
		c.opts.Bus.RemoveFirst(len(batch))
		c.log.Debug("事件批次上行完成", "count", len(batch))
		return
	}
	if c.opts.Spool != nil {
		drained := c.opts.Bus.DequeueAll()
		if len(drained) > 0 {
			c.opts.Spool.Enqueue(drained)
			c.log.Debug("断线期间事件转入磁盘队列", "count", len(drained))
		}
	}
}

// recoverPersisted 回灌磁盘队列
func (c *Client) recoverPersisted() {
	if c.state != StateRegistered || c.opts.Spool == nil {
		return
	}
	if c.opts.Spool.QueueCount() == 0 {
		return
	}
	batch, err := c.opts.Spool.DequeueBatch(c.opts.Bridge.RecoveryBatchSize)
	if err != nil {
		c.log.Err(err, "磁盘队列读取失败")
		return
	}
	if len(batch) == 0 {
		return
	}
	if err := c.send(protocol.Message{Type: protocol.TypeEvents, Events: batch}); err != nil {
		c.log.Err(err, "回灌批次发送失败", "count", len(batch))
		c.handleDisconnect(err)
		return
	}
	c.log.Debug("回灌批次上行完成", "count", len(batch), "remaining", c.opts.Spool.QueueCount())
}

// send 编码并写出一帧，仅在工作协程上调用
func (c *Client) send(msg protocol.Message) error {
	if c.conn == nil {
		return fmt.Errorf("通道未连接")
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("帧编码失败: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// handleDisconnect 传输错误统一收口：清理连接并调度重连
func (c *Client) handleDisconnect(err error) {
	if c.manualClose {
		return
	}
	wasConnected := c.conn != nil
	c.teardown()
	c.setState(StateDisconnected)
	if wasConnected {
		// 预期内的断开不打给宿主错误回调
		if cb := c.opts.Callbacks.OnError; cb != nil && !isExpectedClose(err) {
			c.emitCallback(func() { cb(err) })
		}
		c.log.Warn("通道断开，准备重连", "error", errString(err))
	}
	c.scheduleReconnect()
}

func (c *Client) teardown() {
	c.stopTimers()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.isFlushing = false
}

// scheduleReconnect 指数退避：r, 2r, 4r … 封顶 max；注册成功后复位
func (c *Client) scheduleReconnect() {
	if c.manualClose {
		return
	}
	maxAttempts := c.opts.Bridge.MaxReconnectAttempts
	if maxAttempts > 0 && c.attempts >= maxAttempts {
		c.log.Error("重连次数耗尽，放弃", "attempts", c.attempts)
		if cb := c.opts.Callbacks.OnError; cb != nil {
			c.emitCallback(func() { cb(fmt.Errorf("重连 %d 次后放弃", c.attempts)) })
		}
		return
	}
	c.attempts++
	delay := c.currentInterval
	c.currentInterval = NextInterval(c.currentInterval, c.opts.Bridge.MaxReconnectInterval)
	c.log.Info("调度重连", "attempt", c.attempts, "delay", delay.String())
	time.AfterFunc(delay, func() {
		c.post(func() {
			if !c.manualClose && c.state == StateDisconnected {
				c.connect()
			}
		})
	})
}

// NextInterval 下一次重连间隔：翻倍并封顶
func NextInterval(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}

func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func bodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}
