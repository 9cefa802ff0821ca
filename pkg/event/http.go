package event

import (
	"strings"

	"github.com/google/uuid"
)

// Header 保留原始大小写的头部集合，读取时大小写不敏感
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[key]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Set 设置指定 Header 的值，覆盖大小写不同的同名键
func (h Header) Set(key, value string) {
	for k := range h {
		if strings.EqualFold(k, key) && k != key {
			delete(h, k)
		}
	}
	h[key] = value
}

// Del 删除指定 Header（大小写不敏感）
func (h Header) Del(key string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
}

// Clone 深拷贝
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// HTTPRequest 中立的请求模型
type HTTPRequest struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Method  string `json:"method"`
	Headers Header `json:"headers"`
	Body    []byte `json:"body,omitempty"`
}

// HTTPResponse 中立的响应模型
type HTTPResponse struct {
	StatusCode int    `json:"statusCode"`
	Headers    Header `json:"headers"`
	Body       []byte `json:"body,omitempty"`
}

// Timing 单次请求的耗时信息
type Timing struct {
	StartedAt  int64 `json:"startedAt"`  // Unix 毫秒
	DurationMS int64 `json:"durationMs"` // 从开始处理请求到记录事件的总耗时
}

// HTTPPayload HTTP 事件载荷：请求、可选响应与耗时
type HTTPPayload struct {
	Request       HTTPRequest   `json:"request"`
	Response      *HTTPResponse `json:"response,omitempty"`
	Timing        Timing        `json:"timing"`
	Mocked        bool          `json:"mocked,omitempty"`
	MatchedRuleID string        `json:"matchedRuleId,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
}

// NewHTTPRequest 创建初始化请求对象
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		ID:      uuid.NewString(),
		URL:     url,
		Method:  method,
		Headers: make(Header),
	}
}

// Clone 深拷贝请求，供断点/Mock 修改使用
func (r *HTTPRequest) Clone() *HTTPRequest {
	out := *r
	out.Headers = r.Headers.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// Clone 深拷贝响应
func (r *HTTPResponse) Clone() *HTTPResponse {
	out := *r
	out.Headers = r.Headers.Clone()
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}
