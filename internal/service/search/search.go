// Package search 网络搜索客户端（Exa /search 接口）
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashwinyue/next-search/internal/apperr"
)

// providerName 错误信息中使用的上游名称
const providerName = "Exa.ai"

// Result 单条搜索结果
type Result struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Text          string `json:"text"`
	PublishedDate string `json:"publishedDate,omitempty"`
	Author        string `json:"author,omitempty"`
}

// Searcher 搜索接口，流水线依赖此接口以便测试替换
type Searcher interface {
	Search(ctx context.Context, query string, numResults int) ([]Result, error)
}

// Config 搜索客户端配置
type Config struct {
	APIKey        string
	BaseURL       string
	MaxCharacters int
	UseAutoprompt bool
	Timeout       time.Duration
}

// Client Exa 搜索客户端
type Client struct {
	apiKey        string
	baseURL       string
	maxCharacters int
	useAutoprompt bool
	httpClient    *http.Client
}

// NewClient 创建搜索客户端
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxChars := cfg.MaxCharacters
	if maxChars <= 0 {
		maxChars = 1000
	}
	return &Client{
		apiKey:        cfg.APIKey,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		maxCharacters: maxChars,
		useAutoprompt: cfg.UseAutoprompt,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// NewClientWithHTTPClient 使用自定义 http.Client（测试中重定向到 httptest 服务器）
func NewClientWithHTTPClient(cfg Config, httpClient *http.Client) *Client {
	c := NewClient(cfg)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

type searchRequest struct {
	Query         string          `json:"query"`
	NumResults    int             `json:"numResults"`
	Contents      requestContents `json:"contents"`
	UseAutoprompt bool            `json:"useAutoprompt"`
}

type requestContents struct {
	Text textOptions `json:"text"`
}

type textOptions struct {
	MaxCharacters int `json:"maxCharacters"`
}

type searchResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Text          string `json:"text"`
		PublishedDate string `json:"publishedDate"`
		Author        string `json:"author"`
	} `json:"results"`
}

// Search 执行搜索
// 返回空列表不是错误，由调用方决定如何处理
func (c *Client) Search(ctx context.Context, query string, numResults int) ([]Result, error) {
	body, err := json.Marshal(searchRequest{
		Query:         query,
		NumResults:    numResults,
		Contents:      requestContents{Text: textOptions{MaxCharacters: c.maxCharacters}},
		UseAutoprompt: c.useAutoprompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &apperr.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(raw, resp.StatusCode),
		}
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}

	results := make([]Result, 0, len(sr.Results))
	for _, r := range sr.Results {
		results = append(results, Result{
			Title:         r.Title,
			URL:           r.URL,
			Text:          truncate(r.Text, c.maxCharacters),
			PublishedDate: r.PublishedDate,
			Author:        r.Author,
		})
	}
	return results, nil
}

// errorMessage 从错误响应体中提取 message / error 字段，取不到时使用状态文本
func errorMessage(raw []byte, status int) string {
	var body struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if len(body.Error) > 0 {
			var s string
			if json.Unmarshal(body.Error, &s) == nil && s != "" {
				return s
			}
			var obj struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(body.Error, &obj) == nil && obj.Message != "" {
				return obj.Message
			}
		}
	}
	return http.StatusText(status)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
