package rules

import (
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/sunimp/DebugProbe/pkg/event"
	"github.com/sunimp/DebugProbe/pkg/rulespec"
)

// regexCache 规则正则的编译缓存，只缓存编译成功的正则；编译失败不缓存，每次匹配都会重新编译并返回错误
type regexCacheT struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var regexCache = &regexCacheT{m: make(map[string]*regexp.Regexp)}

func (c *regexCacheT) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[pattern] = re
	c.mu.Unlock()
	return re, nil
}

func matchRegex(s, pattern string) bool {
	re, err := regexCache.Get(pattern)
	if err != nil {
		// 编译失败按不匹配处理
		return false
	}
	return re.MatchString(s)
}

// matchURLPattern URL 模式匹配。以 ^ 开头或以 $ 结尾视为正则；
// 含 * 视为 glob（. 转义为 \.，* 展开为 .*，整串锚定）；否则为子串匹配。
// 空模式视为不限制。
func matchURLPattern(url, pattern string) bool {
	if pattern == "" {
		return true
	}
	if strings.HasPrefix(pattern, "^") || strings.HasSuffix(pattern, "$") {
		return matchRegex(url, pattern)
	}
	if strings.Contains(pattern, "*") {
		return matchRegex(url, globToRegex(pattern))
	}
	return strings.Contains(url, pattern)
}

func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '.':
			b.WriteString(`\.`)
		case '*':
			b.WriteString(".*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func matchMethod(method, want string) bool {
	return want == "" || strings.EqualFold(method, want)
}

// matchMockCondition 评估 Mock 条件。resp 在请求阶段为 nil，
// 此时带状态码条件的规则不匹配。
func matchMockCondition(c rulespec.MockCondition, req *event.HTTPRequest, resp *event.HTTPResponse) bool {
	if !matchURLPattern(req.URL, c.URLPattern) {
		return false
	}
	if !matchMethod(req.Method, c.Method) {
		return false
	}
	if c.StatusCode != 0 {
		if resp == nil || resp.StatusCode != c.StatusCode {
			return false
		}
	}
	for k, v := range c.HeaderContains {
		if !strings.Contains(req.Headers.Get(k), v) {
			return false
		}
	}
	if c.BodyContains != "" && !strings.Contains(string(req.Body), c.BodyContains) {
		return false
	}
	if c.BodyJSON != nil {
		got := gjson.GetBytes(req.Body, c.BodyJSON.Path)
		if !got.Exists() || got.String() != c.BodyJSON.Value {
			return false
		}
	}
	return true
}

// matchWSCondition 评估 WebSocket 帧的 Mock 条件
func matchWSCondition(c rulespec.MockCondition, payload []byte, url string) bool {
	if !matchURLPattern(url, c.URLPattern) {
		return false
	}
	if c.PayloadContains != "" && !strings.Contains(string(payload), c.PayloadContains) {
		return false
	}
	return true
}
