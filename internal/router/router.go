package router

import (
	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-search/internal/handler"
	"github.com/ashwinyue/next-search/internal/middleware"
	"github.com/ashwinyue/next-search/internal/service"
)

// SetupRouter 设置路由
func SetupRouter(h *handler.Handlers, svc *service.Services) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(middleware.RecoveryMiddleware(svc.Log))
	r.Use(middleware.LoggingMiddleware(svc.Log))
	r.Use(middleware.CORSMiddleware(svc.Config.Server.CORSOrigins))

	// 健康检查
	r.GET("/health", h.System.Health)

	api := r.Group("/api")
	limited := middleware.RateLimitMiddleware(svc.RateLimiter)
	{
		// Conversation 会话
		conversations := api.Group("/conversations")
		{
			conversations.POST("", h.Conversation.CreateConversation)
			conversations.GET("", h.Conversation.ListConversations)
			conversations.DELETE("", h.Conversation.DeleteAllConversations)
			conversations.GET("/:conversationId", h.Conversation.GetConversation)
			conversations.DELETE("/:conversationId", h.Conversation.DeleteConversation)
			conversations.GET("/:conversationId/history", h.Conversation.GetHistory)
			conversations.GET("/:conversationId/search/stream", limited, h.Search.StreamSearch)
		}

		// Search 非流式搜索
		api.POST("/search", limited, h.Search.Search)

		// Debug 调试会话
		api.GET("/debug/sessions/:sessionId/events", h.Debug.StreamSessionEvents)
	}

	return r
}
