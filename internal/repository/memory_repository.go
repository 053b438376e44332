package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashwinyue/next-search/internal/model"
)

// memoryConversation 内存中的会话记录
type memoryConversation struct {
	meta  model.Conversation
	turns []model.Turn
	seq   uint64 // 最近一次写入的序号，updated_at 相同时用于排序
}

// memoryRepository 内存会话存储，数据库不可用时的降级方案
// 进程退出后数据丢失
type memoryRepository struct {
	mu               sync.RWMutex
	conversations    map[string]*memoryConversation
	maxConversations int
	seq              uint64
}

// NewMemoryRepository 创建内存会话存储
// maxConversations <= 0 表示不限制；超过上限时淘汰最久未更新的会话
func NewMemoryRepository(maxConversations int) ConversationStore {
	return &memoryRepository{
		conversations:    make(map[string]*memoryConversation),
		maxConversations: maxConversations,
	}
}

// Backend 存储类型
func (r *memoryRepository) Backend() string {
	return "memory"
}

// CreateConversation 创建会话，ID 已存在时原样返回
func (r *memoryRepository) CreateConversation(ctx context.Context, id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conversations[id]; ok {
		return c.snapshot(), nil
	}

	now := time.Now().UTC()
	r.seq++
	c := &memoryConversation{
		meta: model.Conversation{ID: id, CreatedAt: now, UpdatedAt: now},
		seq:  r.seq,
	}
	r.conversations[id] = c
	r.evictLocked(id)

	return c.snapshot(), nil
}

// GetConversation 获取会话副本
func (r *memoryRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.snapshot(), nil
}

// GetHistory 获取最近 limit 条轮次（时间正序）
func (r *memoryRepository) GetHistory(ctx context.Context, conversationID string, limit int) ([]model.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conversations[conversationID]
	if !ok {
		return []model.HistoryEntry{}, nil
	}

	turns := c.turns
	if limit >= 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	history := make([]model.HistoryEntry, 0, len(turns))
	for _, t := range turns {
		history = append(history, model.HistoryEntry{Role: t.Role, Query: t.Query, Answer: t.Answer})
	}
	return history, nil
}

// AddMessage 追加轮次
func (r *memoryRepository) AddMessage(ctx context.Context, conversationID string, turn *model.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}

	prepareTurn(conversationID, turn)
	c.turns = append(c.turns, copyTurn(*turn))

	if c.meta.Title == "" {
		c.meta.Title = model.TitleFromQuery(turn.Query)
	}
	c.meta.UpdatedAt = turn.CreatedAt
	r.seq++
	c.seq = r.seq
	return nil
}

// ListRecent 最近更新的会话
func (r *memoryRepository) ListRecent(ctx context.Context, limit int) ([]*model.ConversationSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*memoryConversation, 0, len(r.conversations))
	for _, c := range r.conversations {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].newerThan(all[j])
	})
	if limit >= 0 && len(all) > limit {
		all = all[:limit]
	}

	summaries := make([]*model.ConversationSummary, 0, len(all))
	for _, c := range all {
		s := &model.ConversationSummary{
			ID:        c.meta.ID,
			Title:     c.meta.Title,
			CreatedAt: c.meta.CreatedAt,
			UpdatedAt: c.meta.UpdatedAt,
		}
		if len(c.turns) > 0 {
			s.FirstQuery = c.turns[0].Query
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// DeleteConversation 删除会话
func (r *memoryRepository) DeleteConversation(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(r.conversations, id)
	return nil
}

// DeleteAll 清空全部会话
func (r *memoryRepository) DeleteAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conversations = make(map[string]*memoryConversation)
	return nil
}

// evictLocked 超过上限时淘汰最久未更新的会话，keep 不参与淘汰
// 调用方需持有写锁
func (r *memoryRepository) evictLocked(keep string) {
	if r.maxConversations <= 0 {
		return
	}
	for len(r.conversations) > r.maxConversations {
		var oldest *memoryConversation
		for id, c := range r.conversations {
			if id == keep {
				continue
			}
			if oldest == nil || oldest.newerThan(c) {
				oldest = c
			}
		}
		if oldest == nil {
			return
		}
		delete(r.conversations, oldest.meta.ID)
	}
}

func (c *memoryConversation) newerThan(other *memoryConversation) bool {
	if !c.meta.UpdatedAt.Equal(other.meta.UpdatedAt) {
		return c.meta.UpdatedAt.After(other.meta.UpdatedAt)
	}
	return c.seq > other.seq
}

// snapshot 返回会话副本，调用方修改不影响存储
func (c *memoryConversation) snapshot() *model.Conversation {
	conv := c.meta
	conv.Messages = make([]model.Turn, 0, len(c.turns))
	for _, t := range c.turns {
		conv.Messages = append(conv.Messages, copyTurn(t))
	}
	return &conv
}

func copyTurn(t model.Turn) model.Turn {
	if t.RewrittenQuery != nil {
		q := *t.RewrittenQuery
		t.RewrittenQuery = &q
	}
	sources := make([]model.Source, len(t.Sources))
	copy(sources, t.Sources)
	t.Sources = sources
	t.SourcesJSON = nil
	return t
}
