package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-search/internal/service"
	"github.com/ashwinyue/next-search/internal/service/pipeline"
)

// SearchHandler 搜索处理器
type SearchHandler struct {
	svc *service.Services
}

// NewSearchHandler 创建搜索处理器
func NewSearchHandler(svc *service.Services) *SearchHandler {
	return &SearchHandler{svc: svc}
}

// StreamSearch 流式搜索
// GET /api/conversations/:conversationId/search/stream?q=&numResults=&sessionId=
//
// 参数错误（400）和会话不存在（404）在开始推流前以 JSON 返回；
// 之后所有结果都以 SSE 事件返回，最后一个事件为 done 或 error
func (h *SearchHandler) StreamSearch(c *gin.Context) {
	conversationID := c.Param("conversationId")

	query, err := pipeline.SanitizeQuery(c.Query("q"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	numResults, _ := strconv.Atoi(c.Query("numResults"))

	if _, err := h.svc.Store.GetConversation(c.Request.Context(), conversationID); err != nil {
		errorResponse(c, err)
		return
	}

	eventCh, err := h.svc.Pipeline.Stream(c.Request.Context(), pipeline.Request{
		ConversationID: conversationID,
		Query:          query,
		NumResults:     numResults,
		SessionID:      c.Query("sessionId"),
	})
	if err != nil {
		errorResponse(c, err)
		return
	}

	// 设置 SSE 响应头
	setSSEHeaders(c)

	// 发送流式事件
	for event := range eventCh {
		select {
		case <-c.Request.Context().Done():
			return
		default:
			c.SSEvent(string(event.Type), event.Data)
			c.Writer.Flush()
		}

		if event.IsTerminal() {
			return
		}
	}
}

// SearchRequest 非流式搜索请求
type SearchRequest struct {
	Query      string `json:"query" binding:"required"`
	NumResults int    `json:"numResults"`
}

// Search 非流式搜索，不关联会话
// POST /api/search
func (h *SearchHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	resp, err := h.svc.Pipeline.Search(c.Request.Context(), req.Query, req.NumResults)
	if err != nil {
		h.svc.Log.Warn("search failed", "error", err)
		errorResponse(c, err)
		return
	}

	success(c, resp)
}

func setSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}
