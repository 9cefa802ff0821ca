package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/pkg/event"
)

// WSTracker WebSocket 捕获路径：会话开闭直接记录，
// 帧经 Mock 引擎决定是否替换载荷。
type WSTracker struct {
	mu       sync.RWMutex
	sessions map[string]*event.WSSession

	sink  Sink
	mocks frameMocker
	log   logger.Logger
}

type frameMocker interface {
	ProcessWSOutgoingFrame(payload []byte, sessionID, url string) ([]byte, string, bool)
	ProcessWSIncomingFrame(payload []byte, sessionID, url string) ([]byte, string, bool)
}

// NewWSTracker 创建 WebSocket 捕获器
func NewWSTracker(sink Sink, mocks frameMocker, l logger.Logger) *WSTracker {
	if l == nil {
		l = logger.NewNop()
	}
	return &WSTracker{
		sessions: make(map[string]*event.WSSession),
		sink:     sink,
		mocks:    mocks,
		log:      l,
	}
}

// SessionOpened 记录新会话，返回会话标识
func (t *WSTracker) SessionOpened(url string, headers event.Header, subprotocols []string) string {
	s := &event.WSSession{
		ID:             uuid.NewString(),
		URL:            url,
		RequestHeaders: headers.Clone(),
		Subprotocols:   append([]string(nil), subprotocols...),
	}
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()

	t.log.Info("记录 WebSocket 会话", "sessionID", s.ID, "url", url)
	t.emit(event.WSPayload{Kind: event.WSSessionCreated, Session: s})
	return s.ID
}

// SessionClosed 记录会话关闭并移除
func (t *WSTracker) SessionClosed(id string, closeCode *int, reason string) {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now()
	s.DisconnectTime = &now
	s.CloseCode = closeCode
	s.CloseReason = reason

	t.log.Info("关闭 WebSocket 会话", "sessionID", id)
	t.emit(event.WSPayload{Kind: event.WSSessionClosed, Session: s})
}

// OutgoingFrame 处理发送帧，返回可能被替换的载荷
func (t *WSTracker) OutgoingFrame(sessionID string, opcode event.FrameOpcode, payload []byte) []byte {
	return t.frame(sessionID, event.DirectionSend, opcode, payload)
}

// IncomingFrame 处理接收帧
func (t *WSTracker) IncomingFrame(sessionID string, opcode event.FrameOpcode, payload []byte) []byte {
	return t.frame(sessionID, event.DirectionReceive, opcode, payload)
}

func (t *WSTracker) frame(sessionID string, dir event.FrameDirection, opcode event.FrameOpcode, payload []byte) []byte {
	t.mu.RLock()
	s, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	url := ""
	if ok {
		url = s.URL
	}

	out := payload
	mocked := false
	ruleID := ""
	if t.mocks != nil {
		var replacement []byte
		var hit bool
		if dir == event.DirectionSend {
			replacement, ruleID, hit = t.mocks.ProcessWSOutgoingFrame(payload, sessionID, url)
		} else {
			replacement, ruleID, hit = t.mocks.ProcessWSIncomingFrame(payload, sessionID, url)
		}
		if hit {
			out = replacement
			mocked = true
		}
	}

	t.emit(event.WSPayload{Kind: event.WSFrameKind, Frame: &event.WSFrame{
		SessionID:  sessionID,
		Direction:  dir,
		Opcode:     opcode,
		Payload:    append([]byte(nil), out...),
		IsMocked:   mocked,
		MockRuleID: ruleID,
	}})
	return out
}

func (t *WSTracker) emit(p event.WSPayload) {
	if t.sink != nil {
		t.sink.Enqueue(event.NewWSEvent(p))
	}
}
