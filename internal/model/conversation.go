package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RoleUser 流水线为每个用户轮次只写一条记录，角色固定为 user
const RoleUser = "user"

// Conversation 会话
type Conversation struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Title     string    `gorm:"size:255" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index" json:"updatedAt"`
	Messages  []Turn    `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages"`
}

// Turn 一次用户轮次：原始问题、改写问题、答案和引用来源，写入后不可变
type Turn struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string         `gorm:"index;size:36;not null" json:"conversationId"`
	Role           string         `gorm:"size:20;not null" json:"role"`
	Query          string         `gorm:"type:text" json:"query"`
	RewrittenQuery *string        `gorm:"type:text" json:"rewrittenQuery"`
	Answer         string         `gorm:"type:text" json:"answer"`
	SourcesJSON    datatypes.JSON `gorm:"column:sources" json:"-"`
	Sources        []Source       `gorm:"-" json:"sources"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"createdAt"`
}

// Source 带编号的引用来源，编号与答案中的 [Source N] 对应
type Source struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// HistoryEntry 历史视图，只用作 LLM 上下文
type HistoryEntry struct {
	Role   string `json:"role"`
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

// ConversationSummary 最近会话列表项
type ConversationSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	FirstQuery string    `json:"firstQuery"`
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversations"
}

func (Turn) TableName() string {
	return "turns"
}

// BeforeSave 序列化来源列表
func (t *Turn) BeforeSave(tx *gorm.DB) error {
	sources := t.Sources
	if sources == nil {
		sources = []Source{}
	}
	data, err := json.Marshal(sources)
	if err != nil {
		return err
	}
	t.SourcesJSON = datatypes.JSON(data)
	return nil
}

// AfterFind 反序列化来源列表
func (t *Turn) AfterFind(tx *gorm.DB) error {
	t.Sources = []Source{}
	if len(t.SourcesJSON) == 0 {
		return nil
	}
	return json.Unmarshal(t.SourcesJSON, &t.Sources)
}

// TitleFromQuery 取问题前 100 个字符作为标题
func TitleFromQuery(query string) string {
	r := []rune(query)
	if len(r) > 100 {
		return string(r[:100])
	}
	return query
}
