package rules

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/pkg/event"
	"github.com/sunimp/DebugProbe/pkg/rulespec"
)

// ChaosResultKind 故障评估结果类型
type ChaosResultKind string

const (
	ChaosNone          ChaosResultKind = "none"
	ChaosDelay         ChaosResultKind = "delay"
	ChaosTimeoutResult ChaosResultKind = "timeout"
	ChaosConnReset     ChaosResultKind = "connectionReset"
	ChaosErrorResponse ChaosResultKind = "errorResponse"
	ChaosCorrupted     ChaosResultKind = "corruptedData"
	ChaosDropped       ChaosResultKind = "drop"
)

// ChaosResult 单次故障评估的结论
type ChaosResult struct {
	Kind       ChaosResultKind
	DelayMS    int
	StatusCode int
	Data       []byte
	RuleID     string
}

// ChaosEngine 故障注入引擎。规则按优先级走查，
// 命中规则仅在均匀抽样不超过 probability 时触发。
type ChaosEngine struct {
	rules atomic.Pointer[[]rulespec.ChaosRule]
	log   logger.Logger

	randMu sync.Mutex
	rand   *rand.Rand

	statsMu sync.Mutex
	stats   EngineStats
}

// NewChaosEngine 创建故障引擎
func NewChaosEngine(l logger.Logger) *ChaosEngine {
	return NewChaosEngineWithSource(l, rand.NewSource(time.Now().UnixNano()))
}

// NewChaosEngineWithSource 以指定随机源创建，测试用
func NewChaosEngineWithSource(l logger.Logger, src rand.Source) *ChaosEngine {
	if l == nil {
		l = logger.NewNop()
	}
	e := &ChaosEngine{log: l, rand: rand.New(src)}
	e.rules.Store(&[]rulespec.ChaosRule{})
	e.stats.ByRule = make(map[string]int64)
	return e
}

// UpdateRules 整体替换规则并重新排序，同时重置统计
func (e *ChaosEngine) UpdateRules(list []rulespec.ChaosRule) {
	rules := append([]rulespec.ChaosRule(nil), list...)
	rulespec.SortChaosRules(rules)
	e.rules.Store(&rules)
	e.statsMu.Lock()
	e.stats = EngineStats{ByRule: make(map[string]int64)}
	e.statsMu.Unlock()
	e.log.Info("更新故障注入规则", "count", len(rules))
}

// AddRule 追加单条规则
func (e *ChaosEngine) AddRule(r rulespec.ChaosRule) {
	cur := *e.rules.Load()
	rules := append(append([]rulespec.ChaosRule(nil), cur...), r)
	rulespec.SortChaosRules(rules)
	e.rules.Store(&rules)
}

// RemoveRule 按 ID 移除规则
func (e *ChaosEngine) RemoveRule(id string) {
	cur := *e.rules.Load()
	rules := make([]rulespec.ChaosRule, 0, len(cur))
	for _, r := range cur {
		if r.ID != id {
			rules = append(rules, r)
		}
	}
	e.rules.Store(&rules)
}

// ClearRules 清空规则
func (e *ChaosEngine) ClearRules() {
	e.rules.Store(&[]rulespec.ChaosRule{})
}

// GetRules 返回当前规则快照
func (e *ChaosEngine) GetRules() []rulespec.ChaosRule {
	return append([]rulespec.ChaosRule(nil), *e.rules.Load()...)
}

func (e *ChaosEngine) roll() float64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.Float64()
}

func (e *ChaosEngine) intn(n int) int {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rand.Intn(n)
}

// Evaluate 请求阶段的故障评估。corruptResponse 规则在此阶段不触发，
// 由 EvaluateResponse 单独处理。
func (e *ChaosEngine) Evaluate(req *event.HTTPRequest) ChaosResult {
	rules := *e.rules.Load()
	for i := range rules {
		r := &rules[i]
		if !r.Enabled || r.Chaos.Kind == rulespec.ChaosCorruptResponse {
			continue
		}
		if !matchURLPattern(req.URL, r.URLPattern) || !matchMethod(req.Method, r.Method) {
			continue
		}
		if e.roll() > r.Probability {
			continue
		}
		e.markEval(r.ID)
		e.log.Debug("触发故障注入", "rule", r.ID, "kind", string(r.Chaos.Kind), "url", req.URL)
		return e.fire(r)
	}
	e.markEval("")
	return ChaosResult{Kind: ChaosNone}
}

func (e *ChaosEngine) fire(r *rulespec.ChaosRule) ChaosResult {
	switch r.Chaos.Kind {
	case rulespec.ChaosLatency:
		min, max := r.Chaos.LatencyMinMS, r.Chaos.LatencyMaxMS
		if max < min {
			max = min
		}
		d := min
		if max > min {
			d = min + e.intn(max-min+1)
		}
		return ChaosResult{Kind: ChaosDelay, DelayMS: d, RuleID: r.ID}
	case rulespec.ChaosTimeout:
		return ChaosResult{Kind: ChaosTimeoutResult, RuleID: r.ID}
	case rulespec.ChaosConnectionReset:
		return ChaosResult{Kind: ChaosConnReset, RuleID: r.ID}
	case rulespec.ChaosRandomError:
		codes := r.Chaos.ErrorCodes
		code := 500
		if len(codes) > 0 {
			code = codes[e.intn(len(codes))]
		}
		return ChaosResult{Kind: ChaosErrorResponse, StatusCode: code, RuleID: r.ID}
	case rulespec.ChaosSlowNetwork:
		// 带宽限制降级为 1000-5000ms 延迟
		return ChaosResult{Kind: ChaosDelay, DelayMS: 1000 + e.intn(4001), RuleID: r.ID}
	case rulespec.ChaosDropRequest:
		return ChaosResult{Kind: ChaosDropped, RuleID: r.ID}
	default:
		return ChaosResult{Kind: ChaosNone}
	}
}

// EvaluateResponse 响应阶段的故障评估，当前仅 corruptResponse：
// 随机翻转约 1% 的字节，至少一个。
func (e *ChaosEngine) EvaluateResponse(req *event.HTTPRequest, resp *event.HTTPResponse, body []byte) ChaosResult {
	rules := *e.rules.Load()
	for i := range rules {
		r := &rules[i]
		if !r.Enabled || r.Chaos.Kind != rulespec.ChaosCorruptResponse {
			continue
		}
		if !matchURLPattern(req.URL, r.URLPattern) || !matchMethod(req.Method, r.Method) {
			continue
		}
		if e.roll() > r.Probability {
			continue
		}
		if len(body) == 0 {
			continue
		}
		e.markEval(r.ID)
		return ChaosResult{Kind: ChaosCorrupted, Data: e.corrupt(body), RuleID: r.ID}
	}
	return ChaosResult{Kind: ChaosNone}
}

func (e *ChaosEngine) corrupt(body []byte) []byte {
	out := append([]byte(nil), body...)
	n := len(out) / 100
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		idx := e.intn(len(out))
		out[idx] ^= byte(1 + e.intn(255))
	}
	return out
}

// Stats 返回统计快照
func (e *ChaosEngine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := EngineStats{Total: e.stats.Total, Matched: e.stats.Matched, ByRule: make(map[string]int64, len(e.stats.ByRule))}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

func (e *ChaosEngine) markEval(matchedRule string) {
	e.statsMu.Lock()
	e.stats.Total++
	if matchedRule != "" {
		e.stats.Matched++
		e.stats.ByRule[matchedRule]++
	}
	e.statsMu.Unlock()
}
