package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/sunimp/DebugProbe/pkg/event"
)

// Transport 挂接到宿主 http.Client 的拦截边界。
// 捕获开关为 false 时直接透传内层 RoundTripper。
type Transport struct {
	inner       http.RoundTripper
	interceptor *Interceptor
	enabled     func() bool
}

// NewTransport 包装内层 RoundTripper
func NewTransport(inner http.RoundTripper, interceptor *Interceptor, enabled func() bool) *Transport {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &Transport{inner: inner, interceptor: interceptor, enabled: enabled}
}

// RoundTrip 实现 http.RoundTripper
func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.enabled != nil && !t.enabled() {
		return t.inner.RoundTrip(r)
	}
	req, err := fromHTTPRequest(r)
	if err != nil {
		return nil, err
	}
	resp, err := t.interceptor.HandleRequest(r.Context(), req)
	if err != nil {
		return nil, err
	}
	return toHTTPResponse(r, resp), nil
}

// NewNetwork 基于内层 RoundTripper 的真实网络边界
func NewNetwork(inner http.RoundTripper) Network {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &httpNetwork{inner: inner}
}

type httpNetwork struct {
	inner http.RoundTripper
}

func (n *httpNetwork) Do(ctx context.Context, req *event.HTTPRequest) (*event.HTTPResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	resp, err := n.inner.RoundTrip(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	out := &event.HTTPResponse{StatusCode: resp.StatusCode, Headers: make(event.Header), Body: data}
	for k := range resp.Header {
		out.Headers.Set(k, resp.Header.Get(k))
	}
	return out, nil
}

func fromHTTPRequest(r *http.Request) (*event.HTTPRequest, error) {
	req := event.NewHTTPRequest(r.Method, r.URL.String())
	for k := range r.Header {
		req.Headers.Set(k, r.Header.Get(k))
	}
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, err
		}
		req.Body = data
		// 修改后的请求由流水线重建，原始 Body 已消费
		r.Body = io.NopCloser(bytes.NewReader(data))
	}
	return req, nil
}

func toHTTPResponse(r *http.Request, resp *event.HTTPResponse) *http.Response {
	hr := &http.Response{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header, len(resp.Headers)),
		Body:       io.NopCloser(bytes.NewReader(resp.Body)),
		Request:    r,
		ContentLength: int64(len(resp.Body)),
	}
	for k, v := range resp.Headers {
		hr.Header.Set(k, v)
	}
	return hr
}
