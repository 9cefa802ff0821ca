// Package pipeline 请求拦截流水线。每个捕获请求依次经过
// 故障注入、请求断点、Mock、真实网络、响应断点与响应腐化，
// 最终作为 HTTP 事件记录到事件缓冲。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/internal/rules"
	"github.com/sunimp/DebugProbe/pkg/event"
	"github.com/sunimp/DebugProbe/pkg/rulespec"
)

// 管道对外暴露的失败原因
var (
	ErrRequestDropped  = errors.New("请求被故障注入丢弃")
	ErrChaosTimeout    = errors.New("故障注入模拟超时")
	ErrConnectionReset = errors.New("故障注入模拟连接重置")
	ErrRequestAborted  = errors.New("请求被断点中止")
)

// State 单请求状态机状态，只沿流水线方向推进
type State string

const (
	StateCaptured             State = "captured"
	StateChaosDropped         State = "chaosDropped"
	StateChaosFailed          State = "chaosFailed"
	StateDelaying             State = "delaying"
	StatePendingRequestBreak  State = "pendingRequestBreak"
	StateMocking              State = "mocking"
	StateInFlight             State = "inFlight"
	StatePendingResponseBreak State = "pendingResponseBreak"
	StateChaosCorrupted       State = "chaosCorrupted"
	StateReported             State = "reported"
)

// Network 真实网络调用边界，由宿主栈适配
type Network interface {
	Do(ctx context.Context, req *event.HTTPRequest) (*event.HTTPResponse, error)
}

// Sink 事件落点（事件缓冲）
type Sink interface {
	Enqueue(event.DebugEvent)
}

// Interceptor 拦截流水线
type Interceptor struct {
	sink    Sink
	mocks   *rules.MockEngine
	breaks  *rules.BreakpointEngine
	chaos   *rules.ChaosEngine
	network Network
	log     logger.Logger
}

// Config 流水线构造参数
type Config struct {
	Sink       Sink
	MockEngine *rules.MockEngine
	Breakpoint *rules.BreakpointEngine
	Chaos      *rules.ChaosEngine
	Network    Network
	Logger     logger.Logger
}

// New 创建拦截流水线
func New(cfg Config) *Interceptor {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Interceptor{
		sink:    cfg.Sink,
		mocks:   cfg.MockEngine,
		breaks:  cfg.Breakpoint,
		chaos:   cfg.Chaos,
		network: cfg.Network,
		log:     l,
	}
}

// HandleRequest 执行完整拦截协议并返回最终响应。
// 故障注入与断点中止以错误形式交还宿主调用路径；
// 拦截链自身异常时降级为直接放行，不拖垮宿主流量。
func (p *Interceptor) HandleRequest(ctx context.Context, req *event.HTTPRequest) (*event.HTTPResponse, error) {
	// 步骤 1：分配 request_id，捕获原始请求
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	start := time.Now()

	resp, degraded, err := p.intercept(ctx, req, start)
	if !degraded {
		return resp, err
	}

	// 降级策略：原样放行
	p.log.Warn("执行降级策略：直接放行", "requestID", req.ID, "url", req.URL)
	resp, err = p.network.Do(ctx, req)
	if err != nil {
		p.record(req, nil, start, false, "", err.Error())
		return nil, err
	}
	p.record(req, resp, start, false, "", "")
	return resp, nil
}

// intercept 拦截链主体，恐慌被兜住并转为降级信号
func (p *Interceptor) intercept(ctx context.Context, req *event.HTTPRequest, start time.Time) (resp *event.HTTPResponse, degraded bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("拦截链异常，转入降级", "requestID", req.ID, "panic", fmt.Sprint(r))
			resp, err = nil, nil
			degraded = true
		}
	}()

	state := StateCaptured
	p.transition(req.ID, state)

	// 请求结束时清理可能残留的断点续体
	defer p.breaks.CancelPending(req.ID)

	// 步骤 2：故障注入评估
	chaosRes := p.chaos.Evaluate(req)
	switch chaosRes.Kind {
	case rules.ChaosDropped:
		state = StateChaosDropped
		p.transition(req.ID, state)
		p.record(req, nil, start, false, chaosRes.RuleID, "dropped")
		return nil, false, ErrRequestDropped
	case rules.ChaosTimeoutResult:
		state = StateChaosFailed
		p.transition(req.ID, state)
		p.record(req, nil, start, false, chaosRes.RuleID, "timeout")
		return nil, false, ErrChaosTimeout
	case rules.ChaosConnReset:
		state = StateChaosFailed
		p.transition(req.ID, state)
		p.record(req, nil, start, false, chaosRes.RuleID, "connectionReset")
		return nil, false, ErrConnectionReset
	case rules.ChaosErrorResponse:
		resp = &event.HTTPResponse{StatusCode: chaosRes.StatusCode, Headers: make(event.Header)}
		p.transition(req.ID, StateReported)
		p.record(req, resp, start, false, chaosRes.RuleID, "")
		return resp, false, nil
	case rules.ChaosDelay:
		state = StateDelaying
		p.transition(req.ID, state)
		if err := sleepCtx(ctx, time.Duration(chaosRes.DelayMS)*time.Millisecond); err != nil {
			return nil, false, err
		}
	}

	// 步骤 3：请求断点
	state = StatePendingRequestBreak
	p.transition(req.ID, state)
	mocked := false
	matchedRule := ""

	action := p.breaks.CheckRequestBreakpoint(ctx, req.ID, req)
	switch action.Kind {
	case rules.ActionAbort:
		p.record(req, nil, start, false, "", "aborted")
		return nil, false, ErrRequestAborted
	case rules.ActionModify:
		if action.Request != nil {
			req = action.Request
		}
	case rules.ActionMockResponse:
		if action.MockResponse != nil {
			resp = synthesize(action.MockResponse)
			mocked = true
		} else if action.Response != nil {
			resp = action.Response
			mocked = true
		}
	}

	if resp == nil {
		// 步骤 4：Mock 规则
		state = StateMocking
		p.transition(req.ID, state)
		modified, mockResp, ruleID := p.mocks.ProcessHTTPRequest(req)
		req = modified
		matchedRule = ruleID
		if mockResp != nil {
			resp = synthesize(mockResp)
			mocked = true
		}
	}

	if resp == nil {
		// 步骤 5：真实网络调用
		state = StateInFlight
		p.transition(req.ID, state)
		resp, err = p.network.Do(ctx, req)
		if err != nil {
			p.record(req, nil, start, false, matchedRule, err.Error())
			return nil, false, err
		}
	}

	// 步骤 6：响应断点
	if p.breaks.HasResponseBreakpoint(req) {
		state = StatePendingResponseBreak
		p.transition(req.ID, state)
		action := p.breaks.CheckResponseBreakpoint(ctx, req.ID, req, resp)
		switch action.Kind {
		case rules.ActionModify:
			if action.Response != nil {
				resp = action.Response
			}
		case rules.ActionAbort:
			resp = &event.HTTPResponse{StatusCode: 0, Headers: make(event.Header), Body: []byte("aborted by breakpoint")}
		case rules.ActionMockResponse:
			if action.Response != nil {
				resp = action.Response
			} else if action.MockResponse != nil {
				resp = synthesize(action.MockResponse)
				mocked = true
			}
		}
	}

	// 步骤 7：响应腐化
	if corrupted := p.chaos.EvaluateResponse(req, resp, resp.Body); corrupted.Kind == rules.ChaosCorrupted {
		state = StateChaosCorrupted
		p.transition(req.ID, state)
		resp = resp.Clone()
		resp.Body = corrupted.Data
	}

	// 步骤 8：记录最终事件
	p.transition(req.ID, StateReported)
	p.record(req, resp, start, mocked, matchedRule, "")
	return resp, false, nil
}

func (p *Interceptor) transition(reqID string, s State) {
	p.log.Debug("请求状态推进", "requestID", reqID, "state", string(s))
}

func (p *Interceptor) record(req *event.HTTPRequest, resp *event.HTTPResponse, start time.Time, mocked bool, ruleID, failure string) {
	if p.sink == nil {
		return
	}
	payload := event.HTTPPayload{
		Request: *req.Clone(),
		Timing: event.Timing{
			StartedAt:  start.UnixMilli(),
			DurationMS: time.Since(start).Milliseconds(),
		},
		Mocked:        mocked,
		MatchedRuleID: ruleID,
		FailureReason: failure,
	}
	if resp != nil {
		payload.Response = resp.Clone()
	}
	p.sink.Enqueue(event.NewHTTPEvent(payload))
}

func synthesize(spec *rulespec.MockResponseSpec) *event.HTTPResponse {
	resp := &event.HTTPResponse{StatusCode: spec.StatusCode, Headers: make(event.Header)}
	for k, v := range spec.Headers {
		resp.Headers.Set(k, v)
	}
	if spec.Body != nil {
		resp.Body = append([]byte(nil), spec.Body...)
	}
	return resp
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
