package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashwinyue/next-search/internal/apperr"
	"github.com/ashwinyue/next-search/internal/model"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// conversationRepository PostgreSQL 会话存储（gorm）
type conversationRepository struct {
	db             *gorm.DB
	slots          *semaphore.Weighted
	acquireTimeout time.Duration
}

// NewConversationRepository 创建持久化会话存储
// maxConns 限制同时访问数据库的请求数，超过后排队等待，等待超过 acquireTimeout 返回错误
func NewConversationRepository(db *gorm.DB, maxConns int, acquireTimeout time.Duration) ConversationStore {
	r := &conversationRepository{db: db, acquireTimeout: acquireTimeout}
	if maxConns > 0 {
		r.slots = semaphore.NewWeighted(int64(maxConns))
	}
	return r
}

// Backend 存储类型
func (r *conversationRepository) Backend() string {
	return "postgres"
}

// acquire 获取一个连接槽位
func (r *conversationRepository) acquire(ctx context.Context, op string) (func(), error) {
	if r.slots == nil {
		return func() {}, nil
	}

	acquireCtx := ctx
	if r.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}

	if err := r.slots.Acquire(acquireCtx, 1); err != nil {
		return nil, apperr.NewPersistence(op, fmt.Errorf("acquire connection: %w", err))
	}
	return func() { r.slots.Release(1) }, nil
}

// CreateConversation 创建会话，id 已存在时返回已有会话
func (r *conversationRepository) CreateConversation(ctx context.Context, id string) (*model.Conversation, error) {
	release, err := r.acquire(ctx, "create conversation")
	if err != nil {
		return nil, err
	}
	defer release()

	conv := &model.Conversation{ID: id}
	err = r.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(conv).Error
	if err != nil {
		return nil, apperr.NewPersistence("create conversation", err)
	}
	return r.load(ctx, id, "create conversation")
}

// GetConversation 获取会话及其全部轮次
func (r *conversationRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	release, err := r.acquire(ctx, "get conversation")
	if err != nil {
		return nil, err
	}
	defer release()

	return r.load(ctx, id, "get conversation")
}

// load 读取会话及轮次，调用方需已持有连接槽
func (r *conversationRepository) load(ctx context.Context, id, op string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Where("id = ?", id).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, apperr.NewPersistence(op, err)
	}
	if conv.Messages == nil {
		conv.Messages = []model.Turn{}
	}
	return &conv, nil
}

// GetHistory 获取最近 limit 条轮次（时间正序）
func (r *conversationRepository) GetHistory(ctx context.Context, conversationID string, limit int) ([]model.HistoryEntry, error) {
	release, err := r.acquire(ctx, "get history")
	if err != nil {
		return nil, err
	}
	defer release()

	var turns []model.Turn
	err = r.db.WithContext(ctx).
		Select("role", "query", "answer", "created_at").
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, apperr.NewPersistence("get history", err)
	}

	history := make([]model.HistoryEntry, len(turns))
	for i, t := range turns {
		history[len(turns)-1-i] = model.HistoryEntry{Role: t.Role, Query: t.Query, Answer: t.Answer}
	}
	return history, nil
}

// AddMessage 追加轮次
// 插入与标题填充 / updated_at 刷新在同一事务内完成，标题填充是单条条件更新
func (r *conversationRepository) AddMessage(ctx context.Context, conversationID string, turn *model.Turn) error {
	release, err := r.acquire(ctx, "add message")
	if err != nil {
		return err
	}
	defer release()

	prepareTurn(conversationID, turn)

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(turn).Error; err != nil {
			return err
		}

		res := tx.Model(&model.Conversation{}).
			Where("id = ?", conversationID).
			Updates(map[string]interface{}{
				"updated_at": turn.CreatedAt,
				"title":      gorm.Expr("COALESCE(NULLIF(title, ''), ?)", model.TitleFromQuery(turn.Query)),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return apperr.NewPersistence("add message", err)
	}
	return nil
}

// ListRecent 最近更新的会话，附带首条问题
func (r *conversationRepository) ListRecent(ctx context.Context, limit int) ([]*model.ConversationSummary, error) {
	release, err := r.acquire(ctx, "list conversations")
	if err != nil {
		return nil, err
	}
	defer release()

	var rows []*model.ConversationSummary
	err = r.db.WithContext(ctx).
		Table("conversations AS c").
		Select(`c.id, c.title, c.created_at, c.updated_at,
			COALESCE((SELECT t.query FROM turns t WHERE t.conversation_id = c.id ORDER BY t.created_at ASC LIMIT 1), '') AS first_query`).
		Order("c.updated_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.NewPersistence("list conversations", err)
	}
	if rows == nil {
		rows = []*model.ConversationSummary{}
	}
	return rows, nil
}

// DeleteConversation 删除会话（轮次一并删除）
func (r *conversationRepository) DeleteConversation(ctx context.Context, id string) error {
	release, err := r.acquire(ctx, "delete conversation")
	if err != nil {
		return err
	}
	defer release()

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&model.Turn{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Conversation{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return apperr.NewPersistence("delete conversation", err)
	}
	return nil
}

// DeleteAll 删除全部会话
func (r *conversationRepository) DeleteAll(ctx context.Context) error {
	release, err := r.acquire(ctx, "delete all conversations")
	if err != nil {
		return err
	}
	defer release()

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&model.Turn{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&model.Conversation{}).Error
	})
	if err != nil {
		return apperr.NewPersistence("delete all conversations", err)
	}
	return nil
}

// prepareTurn 补齐轮次的默认字段
func prepareTurn(conversationID string, turn *model.Turn) {
	turn.ConversationID = conversationID
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.Role == "" {
		turn.Role = model.RoleUser
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.Sources == nil {
		turn.Sources = []model.Source{}
	}
}
