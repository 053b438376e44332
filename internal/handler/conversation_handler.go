package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ashwinyue/next-search/internal/service"
)

// ConversationHandler 会话处理器
type ConversationHandler struct {
	svc *service.Services
}

// NewConversationHandler 创建会话处理器
func NewConversationHandler(svc *service.Services) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

// CreateConversationRequest 创建会话请求，ID 为空时自动生成
type CreateConversationRequest struct {
	ID string `json:"id"`
}

// CreateConversation 创建会话
// POST /api/conversations
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.New().String()
	}
	if len(id) > 36 {
		badRequest(c, "id: must be at most 36 characters")
		return
	}

	conv, err := h.svc.Store.CreateConversation(c.Request.Context(), id)
	if err != nil {
		h.svc.Log.Error("failed to create conversation", "id", id, "error", err)
		errorResponse(c, err)
		return
	}

	created(c, conv)
}

// GetConversation 获取会话及全部轮次
// GET /api/conversations/:conversationId
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conv, err := h.svc.Store.GetConversation(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		errorResponse(c, err)
		return
	}

	success(c, conv)
}

// ListConversations 最近会话
// GET /api/conversations?limit=20
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	limit := getLimit(c, 20, 100)

	items, err := h.svc.Store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, err)
		return
	}

	success(c, gin.H{
		"items": items,
		"total": len(items),
		"limit": limit,
	})
}

// GetHistory 会话历史（时间正序）
// GET /api/conversations/:conversationId/history?limit=10
func (h *ConversationHandler) GetHistory(c *gin.Context) {
	id := c.Param("conversationId")
	def := 10
	if h.svc.Config != nil && h.svc.Config.Pipeline.HistoryLimit > 0 {
		def = h.svc.Config.Pipeline.HistoryLimit
	}
	limit := getLimit(c, def, 50)

	history, err := h.svc.Store.GetHistory(c.Request.Context(), id, limit)
	if err != nil {
		errorResponse(c, err)
		return
	}

	success(c, gin.H{
		"conversationId": id,
		"history":        history,
	})
}

// DeleteConversation 删除会话
// DELETE /api/conversations/:conversationId
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	id := c.Param("conversationId")
	if err := h.svc.Store.DeleteConversation(c.Request.Context(), id); err != nil {
		errorResponse(c, err)
		return
	}

	success(c, gin.H{"id": id})
}

// DeleteAllConversations 删除全部会话
// DELETE /api/conversations
func (h *ConversationHandler) DeleteAllConversations(c *gin.Context) {
	if err := h.svc.Store.DeleteAll(c.Request.Context()); err != nil {
		errorResponse(c, err)
		return
	}

	success(c, nil)
}
