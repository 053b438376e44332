// Package repository 定义会话存储接口及其两种实现
// 流水线只依赖接口，不关心当前使用的是 PostgreSQL 还是内存存储
package repository

import (
	"context"
	"errors"

	"github.com/ashwinyue/next-search/internal/model"
)

// ErrNotFound 会话不存在
var ErrNotFound = errors.New("conversation not found")

// ========== ConversationStore 接口 ==========

// ConversationStore 会话存储
type ConversationStore interface {
	// 会话操作
	CreateConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListRecent(ctx context.Context, limit int) ([]*model.ConversationSummary, error)
	DeleteConversation(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error

	// 轮次操作
	// AddMessage 追加轮次，同时在未设置标题时用问题填充标题并刷新 updated_at
	AddMessage(ctx context.Context, conversationID string, turn *model.Turn) error
	// GetHistory 返回最近 limit 条轮次，按时间正序
	GetHistory(ctx context.Context, conversationID string, limit int) ([]model.HistoryEntry, error)

	// Backend 返回存储类型（postgres / memory）
	Backend() string
}

// 确保两种实现都满足接口
var (
	_ ConversationStore = (*conversationRepository)(nil)
	_ ConversationStore = (*memoryRepository)(nil)
)
