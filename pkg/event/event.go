package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type 事件类型标签
type Type string

const (
	TypeHTTP      Type = "http"
	TypeWebSocket Type = "websocket"
	TypeLog       Type = "log"
	TypeStats     Type = "stats"
)

// DebugEvent 捕获事件的标签联合，入队后不可变
type DebugEvent struct {
	ID        string
	Type      Type
	Timestamp time.Time

	HTTP      *HTTPPayload
	WebSocket *WSPayload
	Log       *LogPayload
	Stats     *StatsPayload
}

type eventEnvelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON 按 {id, type, timestamp, payload} 形式编码
func (e DebugEvent) MarshalJSON() ([]byte, error) {
	var payload any
	switch e.Type {
	case TypeHTTP:
		payload = e.HTTP
	case TypeWebSocket:
		payload = e.WebSocket
	case TypeLog:
		payload = e.Log
	case TypeStats:
		payload = e.Stats
	default:
		return nil, fmt.Errorf("未知事件类型: %q", e.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{ID: e.ID, Type: e.Type, Timestamp: e.Timestamp, Payload: raw})
}

// UnmarshalJSON 按类型标签解码对应载荷
func (e *DebugEvent) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	e.ID = env.ID
	e.Type = env.Type
	e.Timestamp = env.Timestamp
	switch env.Type {
	case TypeHTTP:
		e.HTTP = &HTTPPayload{}
		return json.Unmarshal(env.Payload, e.HTTP)
	case TypeWebSocket:
		e.WebSocket = &WSPayload{}
		return json.Unmarshal(env.Payload, e.WebSocket)
	case TypeLog:
		e.Log = &LogPayload{}
		return json.Unmarshal(env.Payload, e.Log)
	case TypeStats:
		e.Stats = &StatsPayload{}
		return json.Unmarshal(env.Payload, e.Stats)
	default:
		return fmt.Errorf("未知事件类型: %q", env.Type)
	}
}

// NewHTTPEvent 创建 HTTP 事件
func NewHTTPEvent(p HTTPPayload) DebugEvent {
	return DebugEvent{ID: uuid.NewString(), Type: TypeHTTP, Timestamp: time.Now(), HTTP: &p}
}

// NewWSEvent 创建 WebSocket 事件
func NewWSEvent(p WSPayload) DebugEvent {
	return DebugEvent{ID: uuid.NewString(), Type: TypeWebSocket, Timestamp: time.Now(), WebSocket: &p}
}

// NewLogEvent 创建日志事件
func NewLogEvent(p LogPayload) DebugEvent {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	return DebugEvent{ID: p.ID, Type: TypeLog, Timestamp: p.Timestamp, Log: &p}
}
