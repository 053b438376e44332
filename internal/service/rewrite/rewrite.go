// Package rewrite provides query rewriting for multi-turn conversations
package rewrite

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ashwinyue/next-search/internal/logger"
	modelpkg "github.com/ashwinyue/next-search/internal/model"
)

// referencePattern 代词、指代和模糊追问
var referencePattern = regexp.MustCompile(`(?i)\b(he|she|it|they|them|his|her|its|their|this|that|these|those|the same|more about|tell me more|what about|how about)\b`)

// Service 查询重写服务
type Service struct {
	chatModel model.BaseChatModel
	config    *Config
	log       *logger.Logger
}

// Config 重写服务配置
type Config struct {
	// SystemPrompt 系统提示词
	SystemPrompt string
	// UserPromptTemplate 用户提示词模板，依次填入对话上下文和当前问题
	UserPromptTemplate string
	// Enabled 是否启用
	Enabled bool
	// Model 重写使用的模型，为空时使用客户端默认模型
	Model       string
	Temperature float32
	MaxTokens   int
	// MaxContextEntries 上下文最多使用的历史轮次
	MaxContextEntries int
	// MaxAnswerChars 每条历史答案截断长度
	MaxAnswerChars int
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		SystemPrompt: `You are a query rewriter. Your job is to take a follow-up question that may contain pronouns or references to previous context, and rewrite it as a standalone search query.

Rules:
1. Replace pronouns (he, she, it, they, etc.) with the actual entity from context
2. Include relevant context (dates, names, topics) to make the query self-contained
3. Keep the query concise and search-friendly
4. If the query is already standalone, return it unchanged
5. Return ONLY the rewritten query, nothing else

Examples:
- Context: Discussion about Elon Musk buying Twitter
  Input: "How much did he pay?"
  Output: "How much did Elon Musk pay for Twitter"

- Context: Discussion about Python programming
  Input: "What are the best libraries for it?"
  Output: "What are the best Python programming libraries"

- Context: Discussion about climate change effects
  Input: "What can we do about it?"
  Output: "What can we do about climate change"`,
		UserPromptTemplate: `Conversation context:
%s

Current user query: "%s"

Rewrite this as a standalone search query:`,
		Enabled:           true,
		Model:             "llama-3.1-8b-instant",
		Temperature:       0.1,
		MaxTokens:         150,
		MaxContextEntries: 6,
		MaxAnswerChars:    200,
	}
}

// NewService 创建重写服务
// chatModel 为 nil 时重写始终返回原问题
func NewService(chatModel model.BaseChatModel, cfg *Config, log *logger.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		chatModel: chatModel,
		config:    cfg,
		log:       log,
	}
}

// NeedsRewriting 问题是否包含需要结合上下文理解的指代
func NeedsRewriting(query string) bool {
	return referencePattern.MatchString(query)
}

// ShouldRewrite 判断是否需要重写：启用、有历史且命中指代
func (s *Service) ShouldRewrite(query string, history []modelpkg.HistoryEntry) bool {
	return s.config.Enabled && len(history) > 0 && NeedsRewriting(query)
}

// IsEnabled 返回是否启用
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// RewriteQuery 重写查询
// 任何失败都返回原问题，重写不会阻断本轮搜索
func (s *Service) RewriteQuery(ctx context.Context, query string, history []modelpkg.HistoryEntry) string {
	// 没有历史时直接返回，不调用模型
	if len(history) == 0 {
		return query
	}
	if !s.config.Enabled || s.chatModel == nil {
		return query
	}

	messages := []*schema.Message{
		schema.SystemMessage(s.config.SystemPrompt),
		schema.UserMessage(fmt.Sprintf(s.config.UserPromptTemplate, s.buildContext(history), query)),
	}

	opts := []model.Option{
		model.WithTemperature(s.config.Temperature),
		model.WithMaxTokens(s.config.MaxTokens),
	}
	if s.config.Model != "" {
		opts = append(opts, model.WithModel(s.config.Model))
	}

	resp, err := s.chatModel.Generate(ctx, messages, opts...)
	if err != nil {
		s.log.Warn("query rewrite failed, using original query", "error", err)
		return query
	}
	if resp == nil {
		return query
	}

	rewritten := cleanRewrite(resp.Content)
	if rewritten == "" {
		return query
	}

	s.log.Debug("query rewritten", "original", query, "rewritten", rewritten)
	return rewritten
}

// buildContext 构建对话上下文，只取最近几轮，答案截断
func (s *Service) buildContext(history []modelpkg.HistoryEntry) string {
	entries := history
	if n := s.config.MaxContextEntries; n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}

	lines := make([]string, 0, len(entries)*2)
	for _, h := range entries {
		lines = append(lines, "User: "+h.Query)
		if h.Answer != "" {
			lines = append(lines, "Assistant: "+truncate(h.Answer, s.config.MaxAnswerChars)+"...")
		}
	}
	return strings.Join(lines, "\n")
}

// cleanRewrite 去掉首尾空白和一对引号
func cleanRewrite(s string) string {
	s = strings.TrimSpace(s)
	if s != "" && (s[0] == '"' || s[0] == '\'') {
		s = s[1:]
	}
	if n := len(s); n > 0 && (s[n-1] == '"' || s[n-1] == '\'') {
		s = s[:n-1]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
