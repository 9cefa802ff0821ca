package rules

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/sjson"

	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/pkg/event"
	"github.com/sunimp/DebugProbe/pkg/rulespec"
)

// EngineStats 规则引擎统计信息
type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[string]int64 `json:"byRule"`
}

// MockEngine Mock 规则引擎。规则列表以不可变快照整体替换，
// 匹配路径读取快照后无锁。
type MockEngine struct {
	rules atomic.Pointer[[]rulespec.MockRule]
	log   logger.Logger

	statsMu sync.Mutex
	stats   EngineStats
}

// NewMockEngine 创建 Mock 引擎
func NewMockEngine(l logger.Logger) *MockEngine {
	if l == nil {
		l = logger.NewNop()
	}
	e := &MockEngine{log: l}
	e.rules.Store(&[]rulespec.MockRule{})
	e.stats.ByRule = make(map[string]int64)
	return e
}

// UpdateRules 整体替换规则并重新排序，同时重置统计
func (e *MockEngine) UpdateRules(list []rulespec.MockRule) {
	rules := append([]rulespec.MockRule(nil), list...)
	rulespec.SortMockRules(rules)
	e.rules.Store(&rules)
	e.resetStats()
	e.log.Info("更新 Mock 规则", "count", len(rules))
}

// AddRule 追加单条规则
func (e *MockEngine) AddRule(r rulespec.MockRule) {
	cur := *e.rules.Load()
	rules := make([]rulespec.MockRule, 0, len(cur)+1)
	rules = append(rules, cur...)
	rules = append(rules, r)
	rulespec.SortMockRules(rules)
	e.rules.Store(&rules)
}

// RemoveRule 按 ID 移除规则
func (e *MockEngine) RemoveRule(id string) {
	cur := *e.rules.Load()
	rules := make([]rulespec.MockRule, 0, len(cur))
	for _, r := range cur {
		if r.ID != id {
			rules = append(rules, r)
		}
	}
	e.rules.Store(&rules)
}

// ClearRules 清空规则
func (e *MockEngine) ClearRules() {
	e.rules.Store(&[]rulespec.MockRule{})
}

// GetRules 返回当前规则快照
func (e *MockEngine) GetRules() []rulespec.MockRule {
	return append([]rulespec.MockRule(nil), *e.rules.Load()...)
}

// Stats 返回统计快照
func (e *MockEngine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := EngineStats{Total: e.stats.Total, Matched: e.stats.Matched, ByRule: make(map[string]int64, len(e.stats.ByRule))}
	for k, v := range e.stats.ByRule {
		out.ByRule[k] = v
	}
	return out
}

func (e *MockEngine) resetStats() {
	e.statsMu.Lock()
	e.stats = EngineStats{ByRule: make(map[string]int64)}
	e.statsMu.Unlock()
}

func (e *MockEngine) markEval(matchedRule string) {
	e.statsMu.Lock()
	e.stats.Total++
	if matchedRule != "" {
		e.stats.Matched++
		e.stats.ByRule[matchedRule]++
	}
	e.statsMu.Unlock()
}

// ProcessHTTPRequest 按优先级走查规则：httpRequest 规则的头部/报文体覆盖逐条累积；
// 第一条命中的 httpResponse 规则产出完整 Mock 响应并终止走查。
// 返回修改后的请求、可选 Mock 响应与命中的规则 ID。
func (e *MockEngine) ProcessHTTPRequest(req *event.HTTPRequest) (*event.HTTPRequest, *rulespec.MockResponseSpec, string) {
	rules := *e.rules.Load()
	modified := req
	matchedID := ""

	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		if r.Target != rulespec.TargetHTTPRequest && r.Target != rulespec.TargetHTTPResponse {
			continue
		}
		if !matchMockCondition(r.Condition, modified, nil) {
			continue
		}
		if r.Action.DelayMS > 0 {
			time.Sleep(time.Duration(r.Action.DelayMS) * time.Millisecond)
		}
		if r.Target == rulespec.TargetHTTPResponse {
			if r.Action.MockResponse != nil {
				e.markEval(r.ID)
				e.log.Debug("命中响应 Mock 规则", "rule", r.ID, "url", req.URL)
				return modified, r.Action.MockResponse, r.ID
			}
			continue
		}
		// httpRequest 规则：累积应用覆盖
		if modified == req {
			modified = req.Clone()
		}
		applyRequestOverrides(modified, r.Action)
		matchedID = r.ID
	}

	e.markEval(matchedID)
	return modified, nil, matchedID
}

func applyRequestOverrides(req *event.HTTPRequest, a rulespec.MockAction) {
	for k, v := range a.HeaderOverrides {
		req.Headers.Set(k, v)
	}
	if a.BodyOverride != nil {
		req.Body = append([]byte(nil), a.BodyOverride...)
	}
	for path, value := range a.BodyJSONPatch {
		if out, err := sjson.SetBytes(req.Body, path, value); err == nil {
			req.Body = out
		}
	}
}

// ProcessWSOutgoingFrame 处理发送方向的帧，返回第一条命中规则的替换载荷
func (e *MockEngine) ProcessWSOutgoingFrame(payload []byte, sessionID, url string) ([]byte, string, bool) {
	return e.processWSFrame(rulespec.TargetWSOutgoing, payload, url)
}

// ProcessWSIncomingFrame 处理接收方向的帧
func (e *MockEngine) ProcessWSIncomingFrame(payload []byte, sessionID, url string) ([]byte, string, bool) {
	return e.processWSFrame(rulespec.TargetWSIncoming, payload, url)
}

func (e *MockEngine) processWSFrame(target rulespec.MockTarget, payload []byte, url string) ([]byte, string, bool) {
	rules := *e.rules.Load()
	for i := range rules {
		r := &rules[i]
		if !r.Enabled || r.Target != target || r.Action.WSPayload == nil {
			continue
		}
		if !matchWSCondition(r.Condition, payload, url) {
			continue
		}
		if r.Action.DelayMS > 0 {
			time.Sleep(time.Duration(r.Action.DelayMS) * time.Millisecond)
		}
		e.markEval(r.ID)
		return append([]byte(nil), r.Action.WSPayload...), r.ID, true
	}
	e.markEval("")
	return nil, "", false
}
