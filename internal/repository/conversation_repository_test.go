package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"github.com/ashwinyue/next-search/internal/apperr"
	"github.com/ashwinyue/next-search/internal/config"
	"github.com/ashwinyue/next-search/internal/database"
	"github.com/ashwinyue/next-search/internal/model"
)

// newSQLiteDB 每个测试使用独立的内存数据库
func newSQLiteDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := &config.Config{}
	cfg.Database.MaxOpenConns = 1
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newSQLiteStore(t *testing.T) ConversationStore {
	return NewConversationRepository(newSQLiteDB(t).DB, 4, time.Second)
}

// storeFactories 两种实现共用同一组行为测试
func storeFactories() map[string]func(t *testing.T) ConversationStore {
	return map[string]func(t *testing.T) ConversationStore{
		"memory": func(t *testing.T) ConversationStore { return NewMemoryRepository(0) },
		"sqlite": newSQLiteStore,
	}
}

func turnAt(query, answer string, at time.Time) *model.Turn {
	return &model.Turn{
		Query:     query,
		Answer:    answer,
		CreatedAt: at,
		Sources:   []model.Source{{Number: 1, Title: "t", URL: "https://example.com", Snippet: "s"}},
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			conv, err := store.CreateConversation(ctx, "conv-1")
			if err != nil {
				t.Fatalf("CreateConversation() error = %v", err)
			}
			if conv.ID != "conv-1" || conv.Title != "" {
				t.Errorf("conv = %+v", conv)
			}

			got, err := store.GetConversation(ctx, "conv-1")
			if err != nil {
				t.Fatalf("GetConversation() error = %v", err)
			}
			if got.Messages == nil || len(got.Messages) != 0 {
				t.Errorf("Messages = %v, want empty slice", got.Messages)
			}

			if _, err := store.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("GetConversation(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_CreateExistingID(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			if _, err := store.CreateConversation(ctx, "dup"); err != nil {
				t.Fatalf("first CreateConversation() error = %v", err)
			}
			if err := store.AddMessage(ctx, "dup", turnAt("kept query", "kept answer", time.Now().UTC())); err != nil {
				t.Fatal(err)
			}

			again, err := store.CreateConversation(ctx, "dup")
			if err != nil {
				t.Fatalf("second CreateConversation() error = %v", err)
			}
			if again.ID != "dup" || again.Title != "kept query" {
				t.Errorf("conv = %+v, want existing conversation", again)
			}
			if len(again.Messages) != 1 || again.Messages[0].Answer != "kept answer" {
				t.Errorf("Messages = %+v, want existing turn", again.Messages)
			}

			list, err := store.ListRecent(ctx, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 1 {
				t.Errorf("len(ListRecent) = %d, want 1", len(list))
			}
		})
	}
}

func TestStore_AddMessageAndHistory(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			if _, err := store.CreateConversation(ctx, "conv-1"); err != nil {
				t.Fatal(err)
			}

			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			rewritten := "What is the population of Paris"
			first := turnAt("What is the capital of France?", "Paris [Source 1].", base)
			second := turnAt("What is its population?", "About 2.1 million [Source 1].", base.Add(time.Second))
			second.RewrittenQuery = &rewritten

			for _, turn := range []*model.Turn{first, second} {
				if err := store.AddMessage(ctx, "conv-1", turn); err != nil {
					t.Fatalf("AddMessage() error = %v", err)
				}
				if turn.ID == "" || turn.Role != model.RoleUser {
					t.Errorf("turn defaults not filled: %+v", turn)
				}
			}

			conv, err := store.GetConversation(ctx, "conv-1")
			if err != nil {
				t.Fatal(err)
			}
			if conv.Title != "What is the capital of France?" {
				t.Errorf("Title = %q, want first query", conv.Title)
			}
			if len(conv.Messages) != 2 {
				t.Fatalf("len(Messages) = %d, want 2", len(conv.Messages))
			}
			if conv.Messages[0].Query != first.Query || conv.Messages[1].Query != second.Query {
				t.Errorf("messages out of order: %q, %q", conv.Messages[0].Query, conv.Messages[1].Query)
			}
			if conv.Messages[0].RewrittenQuery != nil {
				t.Error("first turn should have no rewritten query")
			}
			if rq := conv.Messages[1].RewrittenQuery; rq == nil || *rq != rewritten {
				t.Errorf("RewrittenQuery = %v", rq)
			}
			if len(conv.Messages[1].Sources) != 1 || conv.Messages[1].Sources[0].URL != "https://example.com" {
				t.Errorf("Sources = %+v", conv.Messages[1].Sources)
			}
			if !conv.UpdatedAt.Equal(second.CreatedAt) {
				t.Errorf("UpdatedAt = %v, want %v", conv.UpdatedAt, second.CreatedAt)
			}

			history, err := store.GetHistory(ctx, "conv-1", 1)
			if err != nil {
				t.Fatal(err)
			}
			if len(history) != 1 || history[0].Query != second.Query {
				t.Errorf("GetHistory(1) = %+v, want latest turn only", history)
			}

			history, err = store.GetHistory(ctx, "conv-1", 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(history) != 2 || history[0].Query != first.Query || history[1].Answer != second.Answer {
				t.Errorf("GetHistory(10) = %+v", history)
			}
		})
	}
}

func TestStore_HistoryOfUnknownConversation(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			history, err := newStore(t).GetHistory(context.Background(), "nobody", 10)
			if err != nil {
				t.Fatalf("GetHistory() error = %v", err)
			}
			if len(history) != 0 {
				t.Errorf("history = %+v, want empty", history)
			}
		})
	}
}

func TestStore_AddMessageUnknownConversation(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			err := newStore(t).AddMessage(context.Background(), "nobody", turnAt("q", "a", time.Now().UTC()))
			if err == nil {
				t.Fatal("expected error for unknown conversation")
			}
		})
	}
}

func TestStore_ListRecent(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			base := time.Now().UTC()

			for _, id := range []string{"a", "b", "c"} {
				if _, err := store.CreateConversation(ctx, id); err != nil {
					t.Fatal(err)
				}
			}
			// a 最后更新，排在最前
			_ = store.AddMessage(ctx, "b", turnAt("first in b", "x", base.Add(48*time.Hour)))
			_ = store.AddMessage(ctx, "a", turnAt("first in a", "x", base.Add(72*time.Hour)))
			_ = store.AddMessage(ctx, "a", turnAt("second in a", "x", base.Add(73*time.Hour)))

			list, err := store.ListRecent(ctx, 2)
			if err != nil {
				t.Fatalf("ListRecent() error = %v", err)
			}
			if len(list) != 2 {
				t.Fatalf("len(list) = %d, want 2", len(list))
			}
			if list[0].ID != "a" || list[1].ID != "b" {
				t.Errorf("order = %s, %s", list[0].ID, list[1].ID)
			}
			if list[0].FirstQuery != "first in a" || list[0].Title != "first in a" {
				t.Errorf("summary = %+v", list[0])
			}
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			for _, id := range []string{"a", "b"} {
				if _, err := store.CreateConversation(ctx, id); err != nil {
					t.Fatal(err)
				}
				if err := store.AddMessage(ctx, id, turnAt("q", "a", time.Now().UTC())); err != nil {
					t.Fatal(err)
				}
			}

			if err := store.DeleteConversation(ctx, "a"); err != nil {
				t.Fatalf("DeleteConversation() error = %v", err)
			}
			if _, err := store.GetConversation(ctx, "a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("deleted conversation still readable: %v", err)
			}
			if err := store.DeleteConversation(ctx, "a"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second delete error = %v, want ErrNotFound", err)
			}
			history, _ := store.GetHistory(ctx, "a", 10)
			if len(history) != 0 {
				t.Errorf("turns of deleted conversation remain: %+v", history)
			}

			if err := store.DeleteAll(ctx); err != nil {
				t.Fatalf("DeleteAll() error = %v", err)
			}
			list, _ := store.ListRecent(ctx, 10)
			if len(list) != 0 {
				t.Errorf("ListRecent after DeleteAll = %+v", list)
			}
		})
	}
}

func TestConversationRepository_AcquireTimeout(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository(newSQLiteDB(t).DB, 1, 50*time.Millisecond).(*conversationRepository)

	release, err := repo.acquire(ctx, "hold")
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	start := time.Now()
	_, err = repo.GetHistory(ctx, "conv-1", 10)
	elapsed := time.Since(start)

	var perr *apperr.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("GetHistory() error = %v, want PersistenceError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want wrapped deadline", err)
	}
	if elapsed > time.Second {
		t.Errorf("GetHistory() waited %v, want about 50ms", elapsed)
	}

	release()
	if _, err := repo.GetHistory(ctx, "conv-1", 10); err != nil {
		t.Errorf("GetHistory() after release error = %v", err)
	}
}

func TestMemoryStore_Eviction(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRepository(2)

	for _, id := range []string{"a", "b"} {
		if _, err := store.CreateConversation(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	// 刷新 a，使 b 成为最久未更新的会话
	if err := store.AddMessage(ctx, "a", turnAt("q", "x", time.Now().UTC().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateConversation(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetConversation(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("b should have been evicted, err = %v", err)
	}
	for _, id := range []string{"a", "c"} {
		if _, err := store.GetConversation(ctx, id); err != nil {
			t.Errorf("GetConversation(%s) error = %v", id, err)
		}
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRepository(0)
	_, _ = store.CreateConversation(ctx, "a")
	_ = store.AddMessage(ctx, "a", turnAt("q", "answer", time.Now().UTC()))

	conv, _ := store.GetConversation(ctx, "a")
	conv.Messages[0].Answer = "mutated"
	conv.Messages[0].Sources[0].Title = "mutated"

	again, _ := store.GetConversation(ctx, "a")
	if again.Messages[0].Answer != "answer" || again.Messages[0].Sources[0].Title != "t" {
		t.Error("stored turn was mutated through a returned copy")
	}
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryRepository(0)
	_, _ = store.CreateConversation(ctx, "a")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.AddMessage(ctx, "a", &model.Turn{Query: fmt.Sprintf("q%d", i)})
		}(i)
	}
	wg.Wait()

	history, _ := store.GetHistory(ctx, "a", 100)
	if len(history) != 50 {
		t.Errorf("len(history) = %d, want 50", len(history))
	}
}
