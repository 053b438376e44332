package handler

import (
	"github.com/ashwinyue/next-search/internal/service"
)

// Handlers 处理器集合
type Handlers struct {
	System       *SystemHandler
	Conversation *ConversationHandler
	Search       *SearchHandler
	Debug        *DebugHandler
}

// NewHandlers 创建所有处理器
func NewHandlers(svc *service.Services) *Handlers {
	return &Handlers{
		System:       NewSystemHandler(svc),
		Conversation: NewConversationHandler(svc),
		Search:       NewSearchHandler(svc),
		Debug:        NewDebugHandler(svc),
	}
}
