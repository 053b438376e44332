// Package llm OpenAI 兼容的 chat completions 客户端，实现 eino model.BaseChatModel
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/ashwinyue/next-search/internal/apperr"
)

// ProviderName 错误信息中使用的上游名称
const ProviderName = "LLM"

var _ model.BaseChatModel = (*Client)(nil)

// errReaderClosed 消费方已关闭流
var errReaderClosed = errors.New("stream reader closed")

// Config 客户端配置
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Client chat completions 客户端
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	httpClient  *http.Client
}

// NewClient 创建客户端
// http.Client 不设置整体超时，流式响应可能持续较长时间，超时由 context 控制
func NewClient(cfg Config) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{Transport: tr},
	}
}

// NewClientWithHTTPClient 使用自定义 http.Client（测试用）
func NewClientWithHTTPClient(cfg Config, httpClient *http.Client) *Client {
	c := NewClient(cfg)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

// ========== 请求 / 响应结构 ==========

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usage) toSchema() *schema.TokenUsage {
	if u == nil {
		return nil
	}
	return &schema.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
	// Groq 把用量放在 x_groq 中
	XGroq *struct {
		Usage *usage `json:"usage"`
	} `json:"x_groq"`
	Error json.RawMessage `json:"error"`
}

func (c *streamChunk) usage() *usage {
	if c.Usage != nil {
		return c.Usage
	}
	if c.XGroq != nil {
		return c.XGroq.Usage
	}
	return nil
}

// ========== BaseChatModel ==========

// Generate 非流式补全
func (c *Client) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.do(ctx, c.buildRequest(input, false, opts...))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse completion response: %w", err)
	}

	msg := &schema.Message{Role: schema.Assistant}
	var finish string
	if len(out.Choices) > 0 {
		msg.Content = out.Choices[0].Message.Content
		finish = out.Choices[0].FinishReason
	}
	msg.ResponseMeta = &schema.ResponseMeta{FinishReason: finish, Usage: out.Usage.toSchema()}
	return msg, nil
}

// Stream 流式补全
// 非 2xx 状态在返回前以 ProviderError 报告；之后每个非空增量作为一条消息发送，
// 上游给出用量时追加一条内容为空、带 ResponseMeta 的消息
func (c *Client) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	resp, err := c.do(ctx, c.buildRequest(input, true, opts...))
	if err != nil {
		cancel()
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](16)
	go func() {
		defer cancel()
		defer resp.Body.Close()
		defer sw.Close()

		var (
			finalUsage *usage
			finish     string
		)
		err := readSSE(resp.Body, func(_ string, data string) error {
			data = strings.TrimSpace(data)
			if data == "" || data == "[DONE]" {
				return nil
			}

			chunk, ok := decodeChunk(data)
			if !ok {
				return nil
			}
			if perr := inBandError(chunk.Error); perr != nil {
				return perr
			}
			if u := chunk.usage(); u != nil {
				finalUsage = u
			}

			for _, choice := range chunk.Choices {
				if choice.FinishReason != nil {
					finish = *choice.FinishReason
				}
				if choice.Delta.Content == "" {
					continue
				}
				if closed := sw.Send(&schema.Message{Role: schema.Assistant, Content: choice.Delta.Content}, nil); closed {
					return errReaderClosed
				}
			}
			return nil
		})
		if errors.Is(err, errReaderClosed) {
			return
		}
		if err != nil {
			sw.Send(nil, err)
			return
		}

		if finalUsage != nil || finish != "" {
			sw.Send(&schema.Message{
				Role:         schema.Assistant,
				ResponseMeta: &schema.ResponseMeta{FinishReason: finish, Usage: finalUsage.toSchema()},
			}, nil)
		}
	}()

	return sr, nil
}

// ========== 内部方法 ==========

func (c *Client) buildRequest(input []*schema.Message, stream bool, opts ...model.Option) chatRequest {
	modelName := c.model
	temperature := c.temperature
	base := &model.Options{Model: &modelName, Temperature: &temperature}
	if c.maxTokens > 0 {
		maxTokens := c.maxTokens
		base.MaxTokens = &maxTokens
	}
	o := model.GetCommonOptions(base, opts...)

	req := chatRequest{
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
		TopP:        o.TopP,
		Stop:        o.Stop,
		Stream:      stream,
	}
	if o.Model != nil {
		req.Model = *o.Model
	}

	req.Messages = make([]chatMessage, 0, len(input))
	for _, m := range input {
		if m == nil {
			continue
		}
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return req
}

// do 发送请求，非 2xx 返回 ProviderError
func (c *Client) do(ctx context.Context, body chatRequest) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &apperr.ProviderError{
			Provider:   ProviderName,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw, resp.StatusCode),
		}
	}
	return resp, nil
}

// decodeChunk 解析一帧；失败时用 jsonrepair 修复一次，仍失败则丢弃该帧
func decodeChunk(data string) (*streamChunk, bool) {
	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err == nil {
		return &chunk, true
	}

	repaired, err := jsonrepair.JSONRepair(data)
	if err != nil {
		return nil, false
	}
	chunk = streamChunk{}
	if err := json.Unmarshal([]byte(repaired), &chunk); err != nil {
		return nil, false
	}
	return &chunk, true
}

// inBandError 流中返回的 error 对象
func inBandError(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return &apperr.ProviderError{Provider: ProviderName, Message: obj.Message}
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		return &apperr.ProviderError{Provider: ProviderName, Message: s}
	}
	return &apperr.ProviderError{Provider: ProviderName, Message: string(raw)}
}

// errorMessage 提取 {"error":{"message":...}}，取不到时使用状态文本
func errorMessage(raw []byte, status int) string {
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if perr := inBandError(body.Error); perr != nil {
			var pe *apperr.ProviderError
			if errors.As(perr, &pe) {
				return pe.Message
			}
		}
	}
	return http.StatusText(status)
}
