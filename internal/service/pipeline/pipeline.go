// Package pipeline 单轮搜索编排：历史 → 改写 → 搜索 → 来源 → 流式答案 → 持久化
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinyue/next-search/internal/apperr"
	"github.com/ashwinyue/next-search/internal/logger"
	"github.com/ashwinyue/next-search/internal/model"
	"github.com/ashwinyue/next-search/internal/repository"
	"github.com/ashwinyue/next-search/internal/service/answer"
	"github.com/ashwinyue/next-search/internal/service/search"
	"github.com/ashwinyue/next-search/internal/service/session"
)

// MaxQueryLength 问题最大长度（字符）
const MaxQueryLength = 500

// Rewriter 查询改写
type Rewriter interface {
	ShouldRewrite(query string, history []model.HistoryEntry) bool
	RewriteQuery(ctx context.Context, query string, history []model.HistoryEntry) string
}

// Answerer 答案生成
type Answerer interface {
	StreamAnswer(ctx context.Context, query string, results []search.Result, onChunk func(text string) error) (*answer.Result, error)
	GenerateAnswer(ctx context.Context, query string, results []search.Result) (*answer.Result, error)
}

// DebugSink 调试日志出口
type DebugSink interface {
	Publish(id string, e session.Entry) bool
}

// Config 编排配置
type Config struct {
	HistoryLimit      int
	DefaultNumResults int
	MaxResults        int
	EventBuffer       int
	PersistTimeout    time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		HistoryLimit:      10,
		DefaultNumResults: 5,
		MaxResults:        10,
		EventBuffer:       32,
		PersistTimeout:    10 * time.Second,
	}
}

// Request 一轮搜索请求
type Request struct {
	ConversationID string
	Query          string
	NumResults     int
	SessionID      string // 调试会话，可为空
}

// SearchResponse 非流式搜索结果
type SearchResponse struct {
	Answer      string         `json:"answer"`
	Sources     []model.Source `json:"sources"`
	SourceCount int            `json:"sourceCount"`
	Citations   []int          `json:"citations"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Service 搜索编排服务
type Service struct {
	store    repository.ConversationStore
	searcher search.Searcher
	rewriter Rewriter
	answerer Answerer
	debug    DebugSink
	cfg      Config
	log      *logger.Logger
}

// NewService 创建编排服务，debug 可为 nil
func NewService(store repository.ConversationStore, searcher search.Searcher, rewriter Rewriter, answerer Answerer, debug DebugSink, cfg Config, log *logger.Logger) *Service {
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.DefaultNumResults <= 0 {
		cfg.DefaultNumResults = def.DefaultNumResults
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		store:    store,
		searcher: searcher,
		rewriter: rewriter,
		answerer: answerer,
		debug:    debug,
		cfg:      cfg,
		log:      log,
	}
}

// SanitizeQuery 合并空白并截断；为空时返回 ValidationError
func SanitizeQuery(q string) (string, error) {
	q = strings.Join(strings.Fields(q), " ")
	if q == "" {
		return "", apperr.NewValidation("query", "query is required")
	}
	if r := []rune(q); len(r) > MaxQueryLength {
		q = strings.TrimSpace(string(r[:MaxQueryLength]))
	}
	return q, nil
}

// ClampNumResults 结果数默认值与上限
func (s *Service) ClampNumResults(n int) int {
	if n <= 0 {
		return s.cfg.DefaultNumResults
	}
	if n > s.cfg.MaxResults {
		return s.cfg.MaxResults
	}
	return n
}

// Stream 执行一轮搜索，事件按 status → rewrite? → sources → chunk* → done|error 顺序写入通道
// 参数校验同步完成，校验失败不会发起任何上游调用；通道在终止事件后关闭
func (s *Service) Stream(ctx context.Context, req Request) (<-chan *Event, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, apperr.NewValidation("conversationId", "conversation id is required")
	}
	query, err := SanitizeQuery(req.Query)
	if err != nil {
		return nil, err
	}
	req.Query = query
	req.NumResults = s.ClampNumResults(req.NumResults)

	ch := make(chan *Event, s.cfg.EventBuffer)
	go s.run(ctx, req, ch)
	return ch, nil
}

// ========== 状态机 ==========

// run 单轮执行状态
type run struct {
	svc   *Service
	req   Request
	ctx   context.Context
	out   chan<- *Event
	start time.Time

	history        []model.HistoryEntry
	effectiveQuery string
	results        []search.Result
	sources        []model.Source
	answer         *answer.Result

	rewriteDur time.Duration
	searchDur  time.Duration
	llmDur     time.Duration
}

func (s *Service) run(ctx context.Context, req Request, out chan *Event) {
	defer close(out)

	r := &run{svc: s, req: req, ctx: ctx, out: out, start: time.Now(), effectiveQuery: req.Query}
	s.trace(req, "START", "Search started", map[string]interface{}{
		"conversationId": req.ConversationID,
		"query":          req.Query,
		"numResults":     req.NumResults,
	})

	r.fetchHistory()

	if !r.rewrite() {
		return
	}
	if err := r.search(); err != nil {
		r.fail(err)
		return
	}
	if !r.emit(&Event{Type: EventSources, Data: SourcesData{
		Sources:        r.sources,
		SourceCount:    len(r.sources),
		SearchDuration: r.searchDur.Milliseconds(),
	}}) {
		return
	}
	if err := r.streamAnswer(); err != nil {
		if ctx.Err() != nil {
			s.log.Info("client disconnected during answer stream", "conversationId", req.ConversationID)
			return
		}
		r.fail(err)
		return
	}

	messageID, persisted := r.persist()
	r.emit(&Event{Type: EventDone, Data: DoneData{
		MessageID:       messageID,
		Persisted:       persisted,
		TotalDuration:   time.Since(r.start).Milliseconds(),
		SearchDuration:  r.searchDur.Milliseconds(),
		LLMDuration:     r.llmDur.Milliseconds(),
		RewriteDuration: r.rewriteDur.Milliseconds(),
		Citations:       answer.ExtractCitations(r.answer.Text),
		Usage:           r.answer.Usage,
	}})
	s.trace(req, "DONE", "Search completed", map[string]interface{}{
		"totalDuration": time.Since(r.start).Milliseconds(),
	})
}

// emit 发送事件；请求结束后不再写入
func (r *run) emit(ev *Event) bool {
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.out <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// fetchHistory 读取历史，失败按空历史处理
func (r *run) fetchHistory() {
	history, err := r.svc.store.GetHistory(r.ctx, r.req.ConversationID, r.svc.cfg.HistoryLimit)
	if err != nil {
		r.svc.log.Warn("failed to load history, continuing without it",
			"conversationId", r.req.ConversationID, "error", err)
		history = nil
	}
	r.history = history
	r.svc.trace(r.req, "HISTORY", "Loaded conversation history", map[string]interface{}{
		"entries": len(history),
	})
}

// rewrite 发出首个 status，按需改写；返回 false 表示请求已结束
func (r *run) rewrite() bool {
	shouldRewrite := r.svc.rewriter != nil && r.svc.rewriter.ShouldRewrite(r.req.Query, r.history)
	if !shouldRewrite {
		return r.emit(statusEvent("search", "Searching the web..."))
	}

	if !r.emit(statusEvent("rewrite", "Understanding your question...")) {
		return false
	}

	started := time.Now()
	r.effectiveQuery = r.svc.rewriter.RewriteQuery(r.ctx, r.req.Query, r.history)
	r.rewriteDur = time.Since(started)

	if r.effectiveQuery == r.req.Query {
		r.svc.trace(r.req, "REWRITE", "Query kept as is", nil)
		return r.ctx.Err() == nil
	}

	r.svc.trace(r.req, "REWRITE", "Query rewritten", map[string]interface{}{
		"original":  r.req.Query,
		"rewritten": r.effectiveQuery,
		"duration":  r.rewriteDur.Milliseconds(),
	})
	return r.emit(&Event{Type: EventRewrite, Data: RewriteData{Original: r.req.Query, Rewritten: r.effectiveQuery}})
}

func (r *run) search() error {
	started := time.Now()
	results, err := r.svc.searcher.Search(r.ctx, r.effectiveQuery, r.req.NumResults)
	r.searchDur = time.Since(started)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return apperr.ErrNoResults
	}

	r.results = results
	r.sources = answer.FormatSources(results)
	r.svc.trace(r.req, "SEARCH", "Search results received", map[string]interface{}{
		"query":    r.effectiveQuery,
		"results":  len(results),
		"duration": r.searchDur.Milliseconds(),
	})
	return nil
}

func (r *run) streamAnswer() error {
	started := time.Now()
	res, err := r.svc.answerer.StreamAnswer(r.ctx, r.effectiveQuery, r.results, func(text string) error {
		if !r.emit(&Event{Type: EventChunk, Data: ChunkData{Text: text}}) {
			return context.Cause(r.ctx)
		}
		return nil
	})
	r.llmDur = time.Since(started)
	if err != nil {
		return err
	}

	r.answer = res
	r.svc.trace(r.req, "LLM", "Answer generated", map[string]interface{}{
		"answerLength": len(res.Text),
		"duration":     r.llmDur.Milliseconds(),
	})
	return nil
}

// persist 写入本轮记录，失败只记录日志并返回空 ID
// 答案已经完整发送给客户端，使用与请求解绑的 context
func (r *run) persist() (string, bool) {
	turn := &model.Turn{
		ID:      uuid.New().String(),
		Role:    model.RoleUser,
		Query:   r.req.Query,
		Answer:  r.answer.Text,
		Sources: r.sources,
	}
	if r.effectiveQuery != r.req.Query {
		rewritten := r.effectiveQuery
		turn.RewrittenQuery = &rewritten
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.svc.cfg.PersistTimeout)
	defer cancel()

	if err := r.svc.store.AddMessage(ctx, r.req.ConversationID, turn); err != nil {
		if apperr.IsPersistence(err) {
			r.svc.log.Error("failed to persist turn",
				"conversationId", r.req.ConversationID, "error", err)
		} else {
			// 会话在回答期间被删除
			r.svc.log.Warn("turn not saved",
				"conversationId", r.req.ConversationID, "error", err)
		}
		r.svc.trace(r.req, "PERSIST", "Failed to save turn", map[string]interface{}{"error": err.Error()})
		return "", false
	}

	r.svc.trace(r.req, "PERSIST", "Turn saved", map[string]interface{}{"messageId": turn.ID})
	return turn.ID, true
}

func (r *run) fail(err error) {
	switch {
	case errors.Is(err, apperr.ErrNoResults):
		r.svc.log.Info("search returned no results", "conversationId", r.req.ConversationID, "query", r.effectiveQuery)
	default:
		r.svc.log.Error("search pipeline failed", "conversationId", r.req.ConversationID, "error", err)
	}
	r.svc.trace(r.req, "ERROR", err.Error(), nil)
	r.emit(errorEvent(ErrorMessage(err)))
}

// ErrorMessage 面向用户的错误信息
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, apperr.ErrNoResults):
		return "No search results found. Try rephrasing your question."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	default:
		return err.Error()
	}
}

// trace 记录调试日志，并推送到调试会话
func (s *Service) trace(req Request, step, message string, data map[string]interface{}) {
	s.log.Debug(message, "step", step, "conversationId", req.ConversationID)
	if s.debug == nil || req.SessionID == "" {
		return
	}
	entry := session.Entry{Step: step, Message: message, Timestamp: time.Now()}
	if data != nil {
		entry.Data = data
	}
	s.debug.Publish(req.SessionID, entry)
}

// ========== 非流式 ==========

// Search 非流式搜索：不改写、不持久化，一次返回答案与来源
func (s *Service) Search(ctx context.Context, query string, numResults int) (*SearchResponse, error) {
	query, err := SanitizeQuery(query)
	if err != nil {
		return nil, err
	}
	numResults = s.ClampNumResults(numResults)

	results, err := s.searcher.Search(ctx, query, numResults)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, apperr.ErrNoResults
	}

	res, err := s.answerer.GenerateAnswer(ctx, query, results)
	if err != nil {
		return nil, err
	}

	sources := answer.FormatSources(results)
	return &SearchResponse{
		Answer:      res.Text,
		Sources:     sources,
		SourceCount: len(sources),
		Citations:   answer.ExtractCitations(res.Text),
		Timestamp:   time.Now().UTC(),
	}, nil
}
