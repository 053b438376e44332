package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ========== Mock ChatModel ==========

// MockChatModel 可编排的 ChatModel
// Generate 依次返回 GenerateResponses（用完后重复最后一个），Stream 按 StreamChunks 逐条返回
type MockChatModel struct {
	mu sync.Mutex

	GenerateResponses []string
	GenerateErr       error

	StreamChunks []string
	StreamErr    error // Stream 调用直接返回的错误
	StreamMidErr error // 发送完 StreamChunks 后在流中返回的错误
	Usage        *schema.TokenUsage

	GenerateCalls  int
	StreamCalls    int
	LastGenerate   []*schema.Message
	LastStream     []*schema.Message
	LastGenOptions *model.Options
}

var _ model.BaseChatModel = (*MockChatModel)(nil)

// Generate 实现 BaseChatModel
func (m *MockChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GenerateCalls++
	m.LastGenerate = input
	m.LastGenOptions = model.GetCommonOptions(&model.Options{}, opts...)

	if m.GenerateErr != nil {
		return nil, m.GenerateErr
	}
	content := ""
	if n := len(m.GenerateResponses); n > 0 {
		idx := m.GenerateCalls - 1
		if idx >= n {
			idx = n - 1
		}
		content = m.GenerateResponses[idx]
	}
	return &schema.Message{
		Role:         schema.Assistant,
		Content:      content,
		ResponseMeta: &schema.ResponseMeta{Usage: m.Usage},
	}, nil
}

// Stream 实现 BaseChatModel
func (m *MockChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	m.StreamCalls++
	m.LastStream = input
	chunks := append([]string(nil), m.StreamChunks...)
	streamErr, midErr, usage := m.StreamErr, m.StreamMidErr, m.Usage
	m.mu.Unlock()

	if streamErr != nil {
		return nil, streamErr
	}

	msgs := make([]*schema.Message, 0, len(chunks)+1)
	for _, c := range chunks {
		msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: c})
	}
	if usage != nil {
		msgs = append(msgs, &schema.Message{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{Usage: usage}})
	}

	if midErr == nil {
		return schema.StreamReaderFromArray(msgs), nil
	}

	sr, sw := schema.Pipe[*schema.Message](len(msgs) + 1)
	go func() {
		defer sw.Close()
		for _, msg := range msgs {
			if closed := sw.Send(msg, nil); closed {
				return
			}
		}
		sw.Send(nil, midErr)
	}()
	return sr, nil
}

// Calls 返回 Generate / Stream 调用次数
func (m *MockChatModel) Calls() (generate, stream int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.GenerateCalls, m.StreamCalls
}

// ========== 断言 ==========

// AssertHelper 提供断言相关的测试辅助
type AssertHelper struct {
	t *testing.T
}

// NewAssertHelper 创建断言辅助器
func NewAssertHelper(t *testing.T) *AssertHelper {
	return &AssertHelper{t: t}
}

// NoError 断言没有错误
func (h *AssertHelper) NoError(err error, msgAndArgs ...interface{}) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("Unexpected error: %v %v", err, msgAndArgs)
	}
}

// ErrorContains 断言错误包含指定字符串
func (h *AssertHelper) ErrorContains(err error, substr string, msgAndArgs ...interface{}) {
	h.t.Helper()
	if err == nil {
		h.t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), substr) {
		h.t.Fatalf("Error %q does not contain %q %v", err.Error(), substr, msgAndArgs)
	}
}

// Equal 断言相等
func (h *AssertHelper) Equal(expected, actual interface{}, msgAndArgs ...interface{}) {
	h.t.Helper()
	if expected != actual {
		h.t.Fatalf("Expected %v, got %v %v", expected, actual, msgAndArgs)
	}
}

// True 断言为真
func (h *AssertHelper) True(condition bool, msgAndArgs ...interface{}) {
	h.t.Helper()
	if !condition {
		h.t.Fatalf("Expected true, got false %v", msgAndArgs)
	}
}
