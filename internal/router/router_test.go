package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-search/internal/apperr"
	"github.com/ashwinyue/next-search/internal/config"
	"github.com/ashwinyue/next-search/internal/handler"
	"github.com/ashwinyue/next-search/internal/logger"
	"github.com/ashwinyue/next-search/internal/repository"
	"github.com/ashwinyue/next-search/internal/service"
	"github.com/ashwinyue/next-search/internal/service/answer"
	"github.com/ashwinyue/next-search/internal/service/pipeline"
	"github.com/ashwinyue/next-search/internal/service/ratelimit"
	"github.com/ashwinyue/next-search/internal/service/rewrite"
	"github.com/ashwinyue/next-search/internal/service/search"
	"github.com/ashwinyue/next-search/internal/service/session"
	"github.com/ashwinyue/next-search/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ========== 测试替身 ==========

type stubSearcher struct {
	results []search.Result
	err     error
}

func (s *stubSearcher) Search(ctx context.Context, query string, numResults int) ([]search.Result, error) {
	return s.results, s.err
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

type testServer struct {
	engine   *gin.Engine
	svc      *service.Services
	searcher *stubSearcher
	chat     *testutil.MockChatModel
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.CORSOrigins = []string{"*"}
	cfg.Pipeline.HistoryLimit = 10

	log := logger.NewNop()
	store := repository.NewMemoryRepository(0)
	searcher := &stubSearcher{results: []search.Result{
		{Title: "Paris - Wikipedia", URL: "https://en.wikipedia.org/wiki/Paris", Text: "Paris is the capital of France."},
	}}
	chat := &testutil.MockChatModel{
		GenerateResponses: []string{"Paris is the capital [Source 1]."},
		StreamChunks:      []string{"Paris is ", "the capital [Source 1]."},
	}

	svc := &service.Services{
		Config:      cfg,
		Log:         log,
		Store:       store,
		Search:      searcher,
		Rewrite:     rewrite.NewService(chat, nil, log),
		Answer:      answer.NewService(chat, nil),
		Sessions:    session.NewRegistry(0),
		RateLimiter: limiter,
		ChatModel:   chat,
	}
	svc.Pipeline = pipeline.NewService(svc.Store, svc.Search, svc.Rewrite, svc.Answer, svc.Sessions, pipeline.DefaultConfig(), log)

	return &testServer{
		engine:   SetupRouter(handler.NewHandlers(svc), svc),
		svc:      svc,
		searcher: searcher,
		chat:     chat,
	}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) handler.Response {
	t.Helper()
	var resp handler.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return resp
}

// ========== 系统 ==========

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "ok" || body["backend"] != "memory" || body["rateLimit"] != false {
		t.Errorf("body = %v", body)
	}
}

// ========== 会话 ==========

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/conversations", `{"id":"conv-1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodPost, "/api/conversations", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create without body status = %d", w.Code)
	}
	generated := decode(t, w).Data.(map[string]interface{})["id"].(string)
	if len(generated) != 36 {
		t.Errorf("generated id = %q", generated)
	}

	w = s.do(http.MethodGet, "/api/conversations/conv-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = s.do(http.MethodGet, "/api/conversations?limit=1", "")
	data := decode(t, w).Data.(map[string]interface{})
	if data["total"] != float64(1) || data["limit"] != float64(1) {
		t.Errorf("list data = %v", data)
	}

	w = s.do(http.MethodGet, "/api/conversations/conv-1/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}

	if w = s.do(http.MethodDelete, "/api/conversations/conv-1", ""); w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if w = s.do(http.MethodGet, "/api/conversations/conv-1", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
	if w = s.do(http.MethodDelete, "/api/conversations/conv-1", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}

	if w = s.do(http.MethodDelete, "/api/conversations", ""); w.Code != http.StatusOK {
		t.Fatalf("delete all status = %d", w.Code)
	}
	list, _ := s.svc.Store.ListRecent(context.Background(), 10)
	if len(list) != 0 {
		t.Errorf("conversations left after delete all: %d", len(list))
	}
}

func TestCreateConversation_ExistingID(t *testing.T) {
	s := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		w := s.do(http.MethodPost, "/api/conversations", `{"id":"conv-dup"}`)
		if w.Code != http.StatusCreated {
			t.Fatalf("create #%d status = %d, body = %s", i+1, w.Code, w.Body.String())
		}
		if id := decode(t, w).Data.(map[string]interface{})["id"]; id != "conv-dup" {
			t.Errorf("create #%d id = %v", i+1, id)
		}
	}

	list, _ := s.svc.Store.ListRecent(context.Background(), 10)
	if len(list) != 1 {
		t.Errorf("conversations = %d, want 1", len(list))
	}
}

func TestCreateConversation_Invalid(t *testing.T) {
	s := newTestServer(t, nil)

	if w := s.do(http.MethodPost, "/api/conversations", `{"id":`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", w.Code)
	}
	long := strings.Repeat("x", 37)
	if w := s.do(http.MethodPost, "/api/conversations", `{"id":"`+long+`"}`); w.Code != http.StatusBadRequest {
		t.Errorf("long id status = %d", w.Code)
	}
}

// ========== 流式搜索 ==========

func TestStreamSearch(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPost, "/api/conversations", `{"id":"conv-1"}`)

	w := s.do(http.MethodGet, "/api/conversations/conv-1/search/stream?q=What+is+the+capital+of+France%3F", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	body := w.Body.String()
	order := []string{"event:status", "event:sources", "event:chunk", "event:done"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(body, marker)
		if idx <= last {
			t.Fatalf("%s missing or out of order in:\n%s", marker, body)
		}
		last = idx
	}
	if strings.Contains(body, "event:error") {
		t.Errorf("unexpected error event:\n%s", body)
	}
	if !strings.Contains(body, `"persisted":true`) {
		t.Errorf("done event should report the saved turn:\n%s", body)
	}

	conv, _ := s.svc.Store.GetConversation(context.Background(), "conv-1")
	if len(conv.Messages) != 1 || conv.Messages[0].Answer != "Paris is the capital [Source 1]." {
		t.Errorf("persisted = %+v", conv.Messages)
	}
}

func TestStreamSearch_RejectedBeforeStreaming(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPost, "/api/conversations", `{"id":"conv-1"}`)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing query", "/api/conversations/conv-1/search/stream", http.StatusBadRequest},
		{"blank query", "/api/conversations/conv-1/search/stream?q=%20%20", http.StatusBadRequest},
		{"unknown conversation", "/api/conversations/nope/search/stream?q=hello", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, tt.path, "")
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("Content-Type = %q, want JSON", ct)
			}
		})
	}
	if _, stream := s.chat.Calls(); stream != 0 {
		t.Error("rejected requests should not reach the model")
	}
}

func TestStreamSearch_NoResultsIsErrorEvent(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(http.MethodPost, "/api/conversations", `{"id":"conv-1"}`)
	s.searcher.results = nil

	w := s.do(http.MethodGet, "/api/conversations/conv-1/search/stream?q=asdkjh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event:error") || strings.Contains(body, "event:done") {
		t.Errorf("body = %s", body)
	}
}

// ========== 非流式搜索 ==========

func TestSearch(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/search", `{"query":"capital of France","numResults":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	data := decode(t, w).Data.(map[string]interface{})
	if data["answer"] != "Paris is the capital [Source 1]." || data["sourceCount"] != float64(1) {
		t.Errorf("data = %v", data)
	}
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		setup func(s *testServer)
		want  int
	}{
		{"missing query", `{}`, nil, http.StatusBadRequest},
		{"blank query", `{"query":"   "}`, nil, http.StatusBadRequest},
		{"no results", `{"query":"x"}`, func(s *testServer) { s.searcher.results = nil }, http.StatusNotFound},
		{"provider", `{"query":"x"}`, func(s *testServer) {
			s.searcher.err = &apperr.ProviderError{Provider: "Exa.ai", StatusCode: 401, Message: "invalid api key"}
		}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			if tt.setup != nil {
				tt.setup(s)
			}
			w := s.do(http.MethodPost, "/api/search", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

// ========== 限流 ==========

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewLimiter(&memCounter{counts: map[string]int64{}}, 2, time.Hour, nil)
	s := newTestServer(t, limiter)

	for i := 0; i < 2; i++ {
		w := s.do(http.MethodPost, "/api/search", `{"query":"capital of France"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("X-RateLimit-Limit = %q", w.Header().Get("X-RateLimit-Limit"))
		}
	}

	w := s.do(http.MethodPost, "/api/search", `{"query":"capital of France"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "3600" || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers = %v", w.Header())
	}

	// 会话接口不受限流
	if w := s.do(http.MethodGet, "/api/conversations", ""); w.Code != http.StatusOK {
		t.Errorf("conversations status = %d", w.Code)
	}
}

// ========== 调试会话 ==========

func TestDebugSessionEvents(t *testing.T) {
	s := newTestServer(t, nil)
	const path = "/api/debug/sessions/dbg-1/events"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.engine.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !s.svc.Sessions.Has("dbg-1") {
		if time.Now().After(deadline) {
			t.Fatal("debug session was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w2 := s.do(http.MethodGet, path, ""); w2.Code != http.StatusConflict {
		t.Errorf("second subscriber status = %d, want 409", w2.Code)
	}

	s.svc.Sessions.Publish("dbg-1", session.Entry{Step: "SEARCH", Message: "Search results received"})
	// 注销后通道关闭，处理器写完剩余日志后返回
	s.svc.Sessions.Close("dbg-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debug handler did not return")
	}

	body := w.Body.String()
	for _, want := range []string{"event:connected", "event:log", "Search results received"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}
