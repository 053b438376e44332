package pipeline

import (
	"github.com/cloudwego/eino/schema"

	"github.com/ashwinyue/next-search/internal/model"
)

// EventType 事件类型，同时作为 SSE 的 event 名
type EventType string

const (
	// EventStatus 进度
	EventStatus EventType = "status"
	// EventRewrite 问题已改写
	EventRewrite EventType = "rewrite"
	// EventSources 引用来源，先于任何答案文本
	EventSources EventType = "sources"
	// EventChunk 答案增量
	EventChunk EventType = "chunk"
	// EventDone 完成
	EventDone EventType = "done"
	// EventError 失败
	EventError EventType = "error"
)

// Event 流水线事件
type Event struct {
	Type EventType
	Data interface{}
}

// IsTerminal 是否为终止事件
func (e *Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// StatusData 进度事件
type StatusData struct {
	Message string `json:"message"`
	Step    string `json:"step"`
}

// RewriteData 改写事件
type RewriteData struct {
	Original  string `json:"original"`
	Rewritten string `json:"rewritten"`
}

// SourcesData 来源事件
type SourcesData struct {
	Sources        []model.Source `json:"sources"`
	SourceCount    int            `json:"sourceCount"`
	SearchDuration int64          `json:"searchDuration"`
}

// ChunkData 答案增量
type ChunkData struct {
	Text string `json:"text"`
}

// DoneData 完成事件，耗时单位为毫秒
// Persisted 为 false 时本轮未保存，MessageID 为空
type DoneData struct {
	MessageID       string             `json:"messageId"`
	Persisted       bool               `json:"persisted"`
	TotalDuration   int64              `json:"totalDuration"`
	SearchDuration  int64              `json:"searchDuration"`
	LLMDuration     int64              `json:"llmDuration"`
	RewriteDuration int64              `json:"rewriteDuration"`
	Citations       []int              `json:"citations"`
	Usage           *schema.TokenUsage `json:"usage,omitempty"`
}

// ErrorData 错误事件
type ErrorData struct {
	Message string `json:"message"`
}

func statusEvent(step, message string) *Event {
	return &Event{Type: EventStatus, Data: StatusData{Message: message, Step: step}}
}

func errorEvent(message string) *Event {
	return &Event{Type: EventError, Data: ErrorData{Message: message}}
}
