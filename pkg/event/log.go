package event

import "time"

// LogLevel 日志事件级别
type LogLevel string

const (
	LevelVerbose LogLevel = "verbose"
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// LogPayload 应用日志事件载荷，线程标识等字段按原样透传
type LogPayload struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Subsystem string    `json:"subsystem,omitempty"`
	Category  string    `json:"category,omitempty"`
	Thread    string    `json:"thread"`
	File      string    `json:"file"`
	Function  string    `json:"function"`
	Line      int       `json:"line"`
	Message   string    `json:"message"`
	Tags      []string  `json:"tags,omitempty"`
	TraceID   string    `json:"traceId,omitempty"`
}

// StatsPayload 统计事件载荷，协议中保留但当前不会主动发出
type StatsPayload struct {
	Counters map[string]int64 `json:"counters,omitempty"`
}
