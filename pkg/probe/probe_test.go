package probe

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunimp/DebugProbe/internal/config"
	"github.com/sunimp/DebugProbe/internal/logger"
	"github.com/sunimp/DebugProbe/pkg/event"
	"github.com/sunimp/DebugProbe/pkg/rulespec"
)

func newTestProbe(t *testing.T) *Probe {
	t.Helper()
	cfg := config.NewConfig()
	cfg.HubURL = "ws://127.0.0.1:1"
	cfg.PersistenceDir = filepath.Join(t.TempDir(), "spool")
	p, err := New(Options{Config: cfg, Logger: logger.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		if p.spoolQ != nil {
			p.spoolQ.Close()
		}
	})
	return p
}

func TestNewRequiresHubURL(t *testing.T) {
	_, err := New(Options{Config: config.NewConfig()})
	assert.Error(t, err)
}

func TestCaptureLogRespectsToggle(t *testing.T) {
	p := newTestProbe(t)
	p.CaptureLog(event.LogPayload{Level: event.LevelInfo, Message: "一条日志"})
	assert.Equal(t, 1, p.BufferLen())

	p.ToggleCapture(true, false)
	p.CaptureLog(event.LogPayload{Level: event.LevelInfo, Message: "被关掉"})
	assert.Equal(t, 1, p.BufferLen())
}

func TestTransportRespectsNetworkToggle(t *testing.T) {
	p := newTestProbe(t)
	p.UpdateMockRules([]rulespec.MockRule{{
		ID: "m1", Target: rulespec.TargetHTTPResponse, Priority: 1, Enabled: true,
		Condition: rulespec.MockCondition{URLPattern: "*"},
		Action:    rulespec.MockAction{MockResponse: &rulespec.MockResponseSpec{StatusCode: 418, Body: []byte("teapot")}},
	}})

	client := &http.Client{Transport: p.Transport(failingTransport{})}
	resp, err := client.Get("https://api.example.com/v1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 418, resp.StatusCode)
	assert.Equal(t, 1, p.BufferLen())

	// 关闭网络捕获后透传内层（此处内层直接失败）
	p.ToggleCapture(false, true)
	_, err = client.Get("https://api.example.com/v1/ping")
	assert.Error(t, err)
}

func TestWSScopeGuards(t *testing.T) {
	p := newTestProbe(t)
	id := p.WSSessionOpened("wss://a.com/chat", nil, nil)
	require.NotEmpty(t, id)
	payload := p.WSOutgoingFrame(id, event.OpcodeText, []byte("x"))
	assert.Equal(t, "x", string(payload))

	p.ToggleCapture(false, false)
	assert.Empty(t, p.WSSessionOpened("wss://a.com/other", nil, nil))
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, assert.AnError
}
