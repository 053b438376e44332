// Package answer 基于搜索结果生成带引用的答案
package answer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	modelpkg "github.com/ashwinyue/next-search/internal/model"
	"github.com/ashwinyue/next-search/internal/service/search"
)

const (
	systemPrompt = `You are a helpful AI assistant that provides accurate, well-sourced answers based on the provided search results.
Cite your sources using [Source X] format when referencing information from the search results.
Be concise but comprehensive. If the search results don't fully answer the question, say so.`

	userPromptTemplate = `Question: %s

Search Results:
%s

Please provide a comprehensive answer to the question based on the search results above. Cite your sources using [Source X] format.`

	// FallbackAnswer 非流式接口未返回内容时的答案
	FallbackAnswer = "Sorry, I could not generate an answer."

	maxContentChars = 500
	maxSnippetChars = 200
)

var citationPattern = regexp.MustCompile(`\[Source (\d+)\]`)

// Result 生成结果
type Result struct {
	Text  string
	Usage *schema.TokenUsage
}

// Config 生成参数
type Config struct {
	Model       string
	Temperature float32
	MaxTokens   int
}

// DefaultConfig 默认生成参数
func DefaultConfig() *Config {
	return &Config{Temperature: 0.7, MaxTokens: 2000}
}

// Service 答案生成服务
type Service struct {
	chatModel model.BaseChatModel
	config    *Config
}

// NewService 创建答案生成服务
func NewService(chatModel model.BaseChatModel, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Service{chatModel: chatModel, config: cfg}
}

// BuildMessages 构建 system / user 两条消息
// 流式和非流式共用，相同输入得到完全相同的提示词
func BuildMessages(query string, results []search.Result) []*schema.Message {
	blocks := make([]string, 0, len(results))
	for i, r := range results {
		blocks = append(blocks, fmt.Sprintf("[Source %d]\nTitle: %s\nURL: %s\nContent: %s\n---",
			i+1, r.Title, r.URL, truncate(r.Text, maxContentChars)))
	}

	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(fmt.Sprintf(userPromptTemplate, query, strings.Join(blocks, "\n\n"))),
	}
}

// StreamAnswer 流式生成答案
// onChunk 按到达顺序同步回调每个非空增量，返回的 Text 与回调内容拼接结果一致
func (s *Service) StreamAnswer(ctx context.Context, query string, results []search.Result, onChunk func(text string) error) (*Result, error) {
	if s.chatModel == nil {
		return nil, errors.New("chat model not configured")
	}

	sr, err := s.chatModel.Stream(ctx, BuildMessages(query, results), s.options()...)
	if err != nil {
		return nil, err
	}
	defer sr.Close()

	var (
		full strings.Builder
		out  = &Result{}
	)
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			out.Usage = msg.ResponseMeta.Usage
		}
		if msg.Content == "" {
			continue
		}

		full.WriteString(msg.Content)
		if onChunk != nil {
			if err := onChunk(msg.Content); err != nil {
				return nil, err
			}
		}
	}

	out.Text = full.String()
	return out, nil
}

// GenerateAnswer 非流式生成答案
func (s *Service) GenerateAnswer(ctx context.Context, query string, results []search.Result) (*Result, error) {
	if s.chatModel == nil {
		return nil, errors.New("chat model not configured")
	}

	msg, err := s.chatModel.Generate(ctx, BuildMessages(query, results), s.options()...)
	if err != nil {
		return nil, err
	}

	out := &Result{Text: FallbackAnswer}
	if msg != nil {
		if msg.Content != "" {
			out.Text = msg.Content
		}
		if msg.ResponseMeta != nil {
			out.Usage = msg.ResponseMeta.Usage
		}
	}
	return out, nil
}

func (s *Service) options() []model.Option {
	opts := []model.Option{
		model.WithTemperature(s.config.Temperature),
	}
	if s.config.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(s.config.MaxTokens))
	}
	if s.config.Model != "" {
		opts = append(opts, model.WithModel(s.config.Model))
	}
	return opts
}

// ========== 来源与引用 ==========

// FormatSources 把搜索结果转换为编号来源（从 1 开始连续编号）
func FormatSources(results []search.Result) []modelpkg.Source {
	sources := make([]modelpkg.Source, 0, len(results))
	for i, r := range results {
		sources = append(sources, modelpkg.Source{
			Number:  i + 1,
			Title:   r.Title,
			URL:     r.URL,
			Snippet: snippet(r.Text),
		})
	}
	return sources
}

// ExtractCitations 答案中引用的来源编号，按首次出现顺序去重
func ExtractCitations(text string) []int {
	citations := []int{}
	seen := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		citations = append(citations, n)
	}
	return citations
}

func snippet(text string) string {
	r := []rune(text)
	if len(r) <= maxSnippetChars {
		return text
	}
	return string(r[:maxSnippetChars]) + "..."
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
