package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-search/internal/service"
	"github.com/ashwinyue/next-search/internal/service/session"
)

// keepAliveInterval 调试流心跳间隔
const keepAliveInterval = 15 * time.Second

// DebugHandler 调试处理器
type DebugHandler struct {
	svc *service.Services
}

// NewDebugHandler 创建调试处理器
func NewDebugHandler(svc *service.Services) *DebugHandler {
	return &DebugHandler{svc: svc}
}

// StreamSessionEvents 订阅调试会话日志
// GET /api/debug/sessions/:sessionId/events
//
// 连接期间会话保持注册，断开后注销；搜索请求携带相同的 sessionId 时日志推送到这里
func (h *DebugHandler) StreamSessionEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")

	stream, err := h.svc.Sessions.Open(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			c.JSON(http.StatusConflict, Response{Code: -1, Message: err.Error()})
			return
		}
		errorResponse(c, err)
		return
	}
	defer h.svc.Sessions.Close(sessionID)

	setSSEHeaders(c)
	c.SSEvent("connected", gin.H{"sessionId": sessionID})
	c.Writer.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case entry, ok := <-stream.Events():
			if !ok {
				return
			}
			c.SSEvent("log", entry)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"timestamp": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}
