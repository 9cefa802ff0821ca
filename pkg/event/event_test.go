package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPEventRoundTrip(t *testing.T) {
	ev := NewHTTPEvent(HTTPPayload{
		Request: HTTPRequest{
			ID: "r1", URL: "https://a.com/x", Method: "POST",
			Headers: Header{"Content-Type": "application/json"},
			Body:    []byte(`{"a":1}`),
		},
		Response: &HTTPResponse{StatusCode: 201, Headers: Header{"X-Id": "7"}, Body: []byte("created")},
		Timing:   Timing{StartedAt: 1700000000000, DurationMS: 12},
	})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got DebugEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, TypeHTTP, got.Type)
	require.NotNil(t, got.HTTP)
	assert.Equal(t, ev.HTTP.Request, got.HTTP.Request)
	assert.Equal(t, ev.HTTP.Response, got.HTTP.Response)
}

func TestLogEventRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	ev := NewLogEvent(LogPayload{
		Timestamp: ts, Source: "app", Level: LevelWarning,
		Thread: "Thread-7 (worker)", File: "cart.swift", Function: "add", Line: 42,
		Message: "库存不足", Tags: []string{"cart"}, TraceID: "t1",
	})
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var got DebugEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.NotNil(t, got.Log)
	// 线程标识按不透明字符串透传
	assert.Equal(t, "Thread-7 (worker)", got.Log.Thread)
	assert.Equal(t, LevelWarning, got.Log.Level)
	assert.True(t, got.Timestamp.Equal(ts))
}

func TestWSEventRoundTrip(t *testing.T) {
	ev := NewWSEvent(WSPayload{Kind: WSFrameKind, Frame: &WSFrame{
		SessionID: "s1", Direction: DirectionSend, Opcode: OpcodeText,
		Payload: []byte("hello"), IsMocked: true, MockRuleID: "m1",
	}})
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var got DebugEvent
	require.NoError(t, json.Unmarshal(data, &got))
	require.NotNil(t, got.WebSocket)
	assert.Equal(t, ev.WebSocket.Frame, got.WebSocket.Frame)
}

func TestUnknownTypeRejected(t *testing.T) {
	var got DebugEvent
	err := json.Unmarshal([]byte(`{"id":"x","type":"mystery","timestamp":"2025-01-01T00:00:00Z","payload":{}}`), &got)
	assert.Error(t, err)
}

func TestHeaderCasePreservingLookup(t *testing.T) {
	h := make(Header)
	h.Set("Content-Type", "text/plain")
	assert.Equal(t, "text/plain", h.Get("content-type"))
	// 原始大小写保留
	_, ok := h["Content-Type"]
	assert.True(t, ok)

	h.Set("content-type", "application/json")
	assert.Len(t, h, 1)
	assert.Equal(t, "application/json", h.Get("Content-Type"))

	h.Del("CONTENT-TYPE")
	assert.Empty(t, h)
}
