package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/sunimp/DebugProbe/pkg/event"
	"github.com/sunimp/DebugProbe/pkg/rulespec"
)

// Message 调试台通道帧的标签联合
type Message struct {
	Type MessageType

	Register         *RegisterPayload
	Events           []event.DebugEvent
	BreakpointHit    *BreakpointHitPayload
	Registered       *RegisteredPayload
	ToggleCapture    *ToggleCapturePayload
	MockRules        []rulespec.MockRule
	BreakpointRules  []rulespec.BreakpointRule
	ChaosRules       []rulespec.ChaosRule
	RequestExport    *RequestExportPayload
	ReplayRequest    *ReplayRequestPayload
	BreakpointResume *BreakpointResumePayload
	DBCommand        *DBCommandPayload
	DBResponse       *DBResponsePayload
	Error            *ErrorPayload
}

type frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrUnknownType 解码遇到未知标签
type ErrUnknownType struct {
	Type MessageType
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("未知帧类型: %q", e.Type)
}

// Encode 编码为线上帧
func Encode(m Message) ([]byte, error) {
	var payload any
	switch m.Type {
	case TypeRegister:
		payload = m.Register
	case TypeHeartbeat:
		return json.Marshal(frame{Type: TypeHeartbeat})
	case TypeEvents:
		payload = m.Events
	case TypeBreakpointHit:
		payload = m.BreakpointHit
	case TypeRegistered:
		payload = m.Registered
	case TypeToggleCapture:
		payload = m.ToggleCapture
	case TypeUpdateMockRules:
		payload = m.MockRules
	case TypeUpdateBreakpointRules:
		payload = m.BreakpointRules
	case TypeUpdateChaosRules:
		payload = m.ChaosRules
	case TypeRequestExport:
		payload = m.RequestExport
	case TypeReplayRequest:
		payload = m.ReplayRequest
	case TypeBreakpointResume:
		payload = m.BreakpointResume
	case TypeDBCommand:
		payload = m.DBCommand
	case TypeDBResponse:
		payload = m.DBResponse
	case TypeError:
		payload = m.Error
	default:
		return nil, &ErrUnknownType{Type: m.Type}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Type: m.Type, Payload: raw})
}

// Decode 解码线上帧。未知标签返回 *ErrUnknownType，由调用方忽略。
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("帧解码失败: %w", err)
	}
	m := Message{Type: f.Type}
	switch f.Type {
	case TypeHeartbeat:
		return m, nil
	case TypeRegister:
		m.Register = &RegisterPayload{}
		return m, json.Unmarshal(f.Payload, m.Register)
	case TypeEvents:
		return m, json.Unmarshal(f.Payload, &m.Events)
	case TypeBreakpointHit:
		m.BreakpointHit = &BreakpointHitPayload{}
		return m, json.Unmarshal(f.Payload, m.BreakpointHit)
	case TypeRegistered:
		m.Registered = &RegisteredPayload{}
		return m, json.Unmarshal(f.Payload, m.Registered)
	case TypeToggleCapture:
		m.ToggleCapture = &ToggleCapturePayload{}
		return m, json.Unmarshal(f.Payload, m.ToggleCapture)
	case TypeUpdateMockRules:
		return m, json.Unmarshal(f.Payload, &m.MockRules)
	case TypeUpdateBreakpointRules:
		return m, json.Unmarshal(f.Payload, &m.BreakpointRules)
	case TypeUpdateChaosRules:
		return m, json.Unmarshal(f.Payload, &m.ChaosRules)
	case TypeRequestExport:
		m.RequestExport = &RequestExportPayload{}
		return m, json.Unmarshal(f.Payload, m.RequestExport)
	case TypeReplayRequest:
		m.ReplayRequest = &ReplayRequestPayload{}
		return m, json.Unmarshal(f.Payload, m.ReplayRequest)
	case TypeBreakpointResume:
		m.BreakpointResume = &BreakpointResumePayload{}
		return m, json.Unmarshal(f.Payload, m.BreakpointResume)
	case TypeDBCommand:
		m.DBCommand = &DBCommandPayload{}
		return m, json.Unmarshal(f.Payload, m.DBCommand)
	case TypeDBResponse:
		m.DBResponse = &DBResponsePayload{}
		return m, json.Unmarshal(f.Payload, m.DBResponse)
	case TypeError:
		m.Error = &ErrorPayload{}
		return m, json.Unmarshal(f.Payload, m.Error)
	default:
		return m, &ErrUnknownType{Type: f.Type}
	}
}
