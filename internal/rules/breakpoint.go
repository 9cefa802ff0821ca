package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/pkg/event"
	"github.com/sunimp/DebugProbe/pkg/rulespec"
)

// DefaultBreakpointTimeout 无人响应时断点自动放行的等待时长
const DefaultBreakpointTimeout = 30 * time.Second

// DefaultPendingCapacity 同时挂起续体的上限，超出后新命中降级放行
const DefaultPendingCapacity = 256

// ActionKind 断点决议类型
type ActionKind string

const (
	ActionResume       ActionKind = "resume"
	ActionModify       ActionKind = "modify"
	ActionAbort        ActionKind = "abort"
	ActionMockResponse ActionKind = "mockResponse"
)

// BreakpointAction 断点挂起后的决议。Request/Response 按阶段携带修改后的快照。
type BreakpointAction struct {
	Kind         ActionKind
	Request      *event.HTTPRequest
	Response     *event.HTTPResponse
	MockResponse *rulespec.MockResponseSpec
}

// BreakpointHit 断点命中通知，经由桥接上报调试台
type BreakpointHit struct {
	BreakpointID string
	RequestID    string
	Phase        rulespec.BreakpointPhase
	Timestamp    time.Time
	Request      *event.HTTPRequest
	Response     *event.HTTPResponse
}

// HitHandler 断点命中回调
type HitHandler func(BreakpointHit)

// BreakpointEngine 断点规则引擎。每个 request_id 至多挂起一个续体，
// 决议来自调试台下发的 resume、本地超时或调用方取消，三者通过
// 持锁摘除续体竞争，先摘除者生效；同一 request_id 再次挂起时旧续体按 resume 放行。
type BreakpointEngine struct {
	rules      atomic.Pointer[[]rulespec.BreakpointRule]
	timeout    time.Duration
	maxPending int
	log        logger.Logger

	onHitMu sync.RWMutex
	onHit   HitHandler

	mu      sync.Mutex
	pending map[string]chan BreakpointAction

	statsMu sync.Mutex
	stats   EngineStats
}

// NewBreakpointEngine 创建断点引擎
func NewBreakpointEngine(timeout time.Duration, l logger.Logger) *BreakpointEngine {
	if timeout <= 0 {
		timeout = DefaultBreakpointTimeout
	}
	if l == nil {
		l = logger.NewNop()
	}
	e := &BreakpointEngine{
		timeout:    timeout,
		maxPending: DefaultPendingCapacity,
		log:        l,
		pending:    make(map[string]chan BreakpointAction),
	}
	e.rules.Store(&[]rulespec.BreakpointRule{})
	e.stats.ByRule = make(map[string]int64)
	return e
}

// SetPendingCapacity 调整挂起上限
func (e *BreakpointEngine) SetPendingCapacity(n int) {
	if n <= 0 {
		return
	}
	e.mu.Lock()
	e.maxPending = n
	e.mu.Unlock()
}

// SetHitHandler 设置断点命中回调，由桥接在注册后挂接
func (e *BreakpointEngine) SetHitHandler(h HitHandler) {
	e.onHitMu.Lock()
	e.onHit = h
	e.onHitMu.Unlock()
}

// UpdateRules 整体替换规则并重新排序，同时重置统计
func (e *BreakpointEngine) UpdateRules(list []rulespec.BreakpointRule) {
	rules := append([]rulespec.BreakpointRule(nil), list...)
	rulespec.SortBreakpointRules(rules)
	e.rules.Store(&rules)
	e.statsMu.Lock()
	e.stats = EngineStats{ByRule: make(map[string]int64)}
	e.statsMu.Unlock()
	e.log.Info("更新断点规则", "count", len(rules))
}

// AddRule 追加单条规则
func (e *BreakpointEngine) AddRule(r rulespec.BreakpointRule) {
	cur := *e.rules.Load()
	rules := append(append([]rulespec.BreakpointRule(nil), cur...), r)
	rulespec.SortBreakpointRules(rules)
	e.rules.Store(&rules)
}

// RemoveRule 按 ID 移除规则
func (e *BreakpointEngine) RemoveRule(id string) {
	cur := *e.rules.Load()
	rules := make([]rulespec.BreakpointRule, 0, len(cur))
	for _, r := range cur {
		if r.ID != id {
			rules = append(rules, r)
		}
	}
	e.rules.Store(&rules)
}

// ClearRules 清空规则
func (e *BreakpointEngine) ClearRules() {
	e.rules.Store(&[]rulespec.BreakpointRule{})
}

// GetRules 返回当前规则快照
func (e *BreakpointEngine) GetRules() []rulespec.BreakpointRule {
	return append([]rulespec.BreakpointRule(nil), *e.rules.Load()...)
}

func (e *BreakpointEngine) findRule(req *event.HTTPRequest, phase rulespec.BreakpointPhase) *rulespec.BreakpointRule {
	rules := *e.rules.Load()
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if r.Phase != phase && r.Phase != rulespec.PhaseBoth {
			continue
		}
		if !matchURLPattern(req.URL, r.URLPattern) || !matchMethod(req.Method, r.Method) {
			continue
		}
		return r
	}
	return nil
}

// HasResponseBreakpoint 判断是否存在命中该请求的响应阶段断点
func (e *BreakpointEngine) HasResponseBreakpoint(req *event.HTTPRequest) bool {
	return e.findRule(req, rulespec.PhaseResponse) != nil
}

// CheckRequestBreakpoint 请求阶段断点检查。无命中立即返回 resume；
// 命中则上报 BreakpointHit 并挂起，直到调试台决议、超时或调用方取消。
func (e *BreakpointEngine) CheckRequestBreakpoint(ctx context.Context, reqID string, req *event.HTTPRequest) BreakpointAction {
	rule := e.findRule(req, rulespec.PhaseRequest)
	if rule == nil {
		e.markEval("")
		return BreakpointAction{Kind: ActionResume}
	}
	hit := BreakpointHit{
		BreakpointID: rule.ID,
		RequestID:    reqID,
		Phase:        rulespec.PhaseRequest,
		Timestamp:    time.Now(),
		Request:      req.Clone(),
	}
	return e.suspend(ctx, reqID, rule.ID, hit)
}

// CheckResponseBreakpoint 响应阶段断点检查
func (e *BreakpointEngine) CheckResponseBreakpoint(ctx context.Context, reqID string, req *event.HTTPRequest, resp *event.HTTPResponse) BreakpointAction {
	rule := e.findRule(req, rulespec.PhaseResponse)
	if rule == nil {
		e.markEval("")
		return BreakpointAction{Kind: ActionResume}
	}
	hit := BreakpointHit{
		BreakpointID: rule.ID,
		RequestID:    reqID,
		Phase:        rulespec.PhaseResponse,
		Timestamp:    time.Now(),
		Request:      req.Clone(),
		Response:     resp.Clone(),
	}
	return e.suspend(ctx, reqID, rule.ID, hit)
}

func (e *BreakpointEngine) suspend(ctx context.Context, reqID, ruleID string, hit BreakpointHit) BreakpointAction {
	ch := make(chan BreakpointAction, 1)

	e.mu.Lock()
	if _, ok := e.pending[reqID]; !ok && len(e.pending) >= e.maxPending {
		// 续体存量已满，降级放行
		e.mu.Unlock()
		e.log.Warn("挂起续体已达上限，降级放行", "requestID", reqID, "rule", ruleID, "capacity", e.maxPending)
		return BreakpointAction{Kind: ActionResume}
	}
	if old, ok := e.pending[reqID]; ok {
		// 同一请求不允许并存两个续体，旧的按 resume 放行
		old <- BreakpointAction{Kind: ActionResume}
	}
	e.pending[reqID] = ch
	e.mu.Unlock()

	e.markEval(ruleID)
	e.emitHit(hit)
	e.log.Debug("断点挂起", "requestID", reqID, "rule", ruleID, "phase", string(hit.Phase))

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case a := <-ch:
		e.log.Debug("断点决议", "requestID", reqID, "action", string(a.Kind))
		return a
	case <-timer.C:
		if e.take(reqID) {
			e.log.Warn("断点等待超时，自动放行", "requestID", reqID, "rule", ruleID)
			return BreakpointAction{Kind: ActionResume}
		}
		// 决议与超时竞争，决议已写入通道
		return <-ch
	case <-ctx.Done():
		if e.take(reqID) {
			return BreakpointAction{Kind: ActionResume}
		}
		return <-ch
	}
}

// Resolve 以调试台下发的决议解除挂起，返回是否存在待决续体
func (e *BreakpointEngine) Resolve(reqID string, a BreakpointAction) bool {
	e.mu.Lock()
	ch, ok := e.pending[reqID]
	if ok {
		delete(e.pending, reqID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	ch <- a
	return true
}

// CancelPending 请求取消时移除待决续体
func (e *BreakpointEngine) CancelPending(reqID string) {
	e.take(reqID)
}

// PendingCount 当前挂起数量
func (e *BreakpointEngine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *BreakpointEngine) take(reqID string) bool {
	e.mu.Lock()
	_, ok := e.pending[reqID]
	if ok {
		delete(e.pending, reqID)
	}
	e.mu.Unlock()
	return ok
}

func (e *BreakpointEngine) emitHit(hit BreakpointHit) {
	e.onHitMu.RLock()
	h := e.onHit
	e.onHitMu.RUnlock()
	if h != nil {
		h(hit)
	}
}

// Stats 返回统计快照
func (e *BreakpointEngine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := EngineStats{Total: e.stats.Total, Matched: e.stats.Matched, ByRule: make(map[string]int64, len(e.stats.ByRule))}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

func (e *BreakpointEngine) markEval(matchedRule string) {
	e.statsMu.Lock()
	e.stats.Total++
	if matchedRule != "" {
		e.stats.Matched++
		e.stats.ByRule[matchedRule]++
	}
	e.statsMu.Unlock()
}
