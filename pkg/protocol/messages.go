// Package protocol 调试台通道的帧协议：JSON over WebSocket，
// 每帧形如 {"type": <tag>, "payload": <value>}，heartbeat 省略 payload。
// 二进制报文体字段经 JSON 默认的 base64 编码传输。
package protocol

import (
	"time"

	"github.com/sunimp/DebugProbe/pkg/event"
)

// MessageType 帧类型标签
type MessageType string

const (
	TypeRegister              MessageType = "register"
	TypeHeartbeat             MessageType = "heartbeat"
	TypeEvents                MessageType = "events"
	TypeBreakpointHit         MessageType = "breakpointHit"
	TypeRegistered            MessageType = "registered"
	TypeToggleCapture         MessageType = "toggleCapture"
	TypeUpdateMockRules       MessageType = "updateMockRules"
	TypeRequestExport         MessageType = "requestExport"
	TypeReplayRequest         MessageType = "replayRequest"
	TypeUpdateBreakpointRules MessageType = "updateBreakpointRules"
	TypeBreakpointResume      MessageType = "breakpointResume"
	TypeUpdateChaosRules      MessageType = "updateChaosRules"
	TypeDBCommand             MessageType = "dbCommand"
	TypeDBResponse            MessageType = "dbResponse"
	TypeError                 MessageType = "error"
)

// DeviceInfo 设备信息，由宿主侧采集器提供
type DeviceInfo struct {
	DeviceID   string `json:"deviceId"`
	Name       string `json:"name"`
	Model      string `json:"model"`
	OS         string `json:"os"`
	OSVersion  string `json:"osVersion"`
	AppVersion string `json:"appVersion"`
}

// RequestSnapshot 请求快照，Body 经 base64 编码
type RequestSnapshot struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// ResponseSnapshot 响应快照
type ResponseSnapshot struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
}

// RegisterPayload register 帧载荷
type RegisterPayload struct {
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	Token      string     `json:"token"`
}

// RegisteredPayload registered 帧载荷
type RegisteredPayload struct {
	SessionID string `json:"sessionId"`
}

// ToggleCapturePayload toggleCapture 帧载荷
type ToggleCapturePayload struct {
	Network bool `json:"network"`
	Log     bool `json:"log"`
}

// BreakpointHitPayload breakpointHit 帧载荷
type BreakpointHitPayload struct {
	BreakpointID string            `json:"breakpointId"`
	RequestID    string            `json:"requestId"`
	Phase        string            `json:"phase"`
	Timestamp    time.Time         `json:"timestamp"`
	Request      RequestSnapshot   `json:"request"`
	Response     *ResponseSnapshot `json:"response,omitempty"`
}

// BreakpointResumePayload breakpointResume 帧载荷
type BreakpointResumePayload struct {
	BreakpointID     string            `json:"breakpointId"`
	RequestID        string            `json:"requestId"`
	Action           string            `json:"action"`
	ModifiedRequest  *RequestSnapshot  `json:"modifiedRequest,omitempty"`
	ModifiedResponse *ResponseSnapshot `json:"modifiedResponse,omitempty"`
}

// RequestExportPayload requestExport 帧载荷
type RequestExportPayload struct {
	TimeFrom time.Time `json:"timeFrom"`
	TimeTo   time.Time `json:"timeTo"`
	Types    []string  `json:"types"`
}

// ReplayRequestPayload replayRequest 帧载荷
type ReplayRequestPayload struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// DBCommandKind dbCommand 子命令
type DBCommandKind string

const (
	DBListDatabases  DBCommandKind = "listDatabases"
	DBListTables     DBCommandKind = "listTables"
	DBDescribeTable  DBCommandKind = "describeTable"
	DBFetchTablePage DBCommandKind = "fetchTablePage"
	DBExecuteQuery   DBCommandKind = "executeQuery"
)

// DBCommandPayload dbCommand 帧载荷
type DBCommandPayload struct {
	RequestID string        `json:"requestId"`
	Kind      DBCommandKind `json:"kind"`
	DBID      string        `json:"dbId,omitempty"`
	Table     string        `json:"table,omitempty"`
	Page      int           `json:"page,omitempty"`
	PageSize  int           `json:"pageSize,omitempty"`
	OrderBy   string        `json:"orderBy,omitempty"`
	Ascending bool          `json:"ascending,omitempty"`
	Query     string        `json:"query,omitempty"`
}

// DBResponsePayload dbResponse 帧载荷，Payload 为 JSON 字节
type DBResponsePayload struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Payload   []byte `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorPayload error 帧载荷
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SnapshotFromRequest 由中立请求模型构造快照
func SnapshotFromRequest(r *event.HTTPRequest) RequestSnapshot {
	return RequestSnapshot{
		Method:  r.Method,
		URL:     r.URL,
		Headers: map[string]string(r.Headers.Clone()),
		Body:    append([]byte(nil), r.Body...),
	}
}

// SnapshotFromResponse 由中立响应模型构造快照
func SnapshotFromResponse(r *event.HTTPResponse) *ResponseSnapshot {
	if r == nil {
		return nil
	}
	return &ResponseSnapshot{
		StatusCode: r.StatusCode,
		Headers:    map[string]string(r.Headers.Clone()),
		Body:       append([]byte(nil), r.Body...),
	}
}

// ToRequest 将快照还原为中立请求模型
func (s *RequestSnapshot) ToRequest(id string) *event.HTTPRequest {
	req := &event.HTTPRequest{
		ID:      id,
		Method:  s.Method,
		URL:     s.URL,
		Headers: make(event.Header, len(s.Headers)),
		Body:    append([]byte(nil), s.Body...),
	}
	for k, v := range s.Headers {
		req.Headers[k] = v
	}
	return req
}

// ToResponse 将快照还原为中立响应模型
func (s *ResponseSnapshot) ToResponse() *event.HTTPResponse {
	resp := &event.HTTPResponse{
		StatusCode: s.StatusCode,
		Headers:    make(event.Header, len(s.Headers)),
		Body:       append([]byte(nil), s.Body...),
	}
	for k, v := range s.Headers {
		resp.Headers[k] = v
	}
	return resp
}
