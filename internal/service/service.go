package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/redis/go-redis/v9"

	"github.com/ashwinyue/next-search/internal/config"
	"github.com/ashwinyue/next-search/internal/database"
	"github.com/ashwinyue/next-search/internal/logger"
	"github.com/ashwinyue/next-search/internal/repository"
	"github.com/ashwinyue/next-search/internal/service/answer"
	"github.com/ashwinyue/next-search/internal/service/callback"
	"github.com/ashwinyue/next-search/internal/service/llm"
	"github.com/ashwinyue/next-search/internal/service/pipeline"
	"github.com/ashwinyue/next-search/internal/service/ratelimit"
	"github.com/ashwinyue/next-search/internal/service/rewrite"
	"github.com/ashwinyue/next-search/internal/service/search"
	"github.com/ashwinyue/next-search/internal/service/session"
)

// Services 服务集合
type Services struct {
	Config *config.Config
	Log    *logger.Logger

	// 存储（启动时确定，运行期间不变）
	Store repository.ConversationStore

	// 业务服务
	Search   search.Searcher
	Rewrite  *rewrite.Service
	Answer   *answer.Service
	Pipeline *pipeline.Service

	// 调试会话注册表
	Sessions *session.Registry
	// RateLimiter 未启用时为 nil
	RateLimiter *ratelimit.Limiter

	ChatModel model.BaseChatModel

	closers []func() error
}

// NewServices 创建所有服务
// 数据库不可用时降级为内存存储，Redis 不可用时关闭限流
func NewServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Services, error) {
	s := &Services{Config: cfg, Log: log}

	// 存储
	s.Store = s.newStore(cfg)
	log.Info("conversation store selected", "backend", s.Store.Backend())

	// ChatModel
	chatModel, err := newChatModel(ctx, cfg, log)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	s.ChatModel = chatModel

	// 搜索
	s.Search = search.NewClient(search.Config{
		APIKey:        cfg.Search.APIKey,
		BaseURL:       cfg.Search.BaseURL,
		MaxCharacters: cfg.Search.MaxCharacters,
		UseAutoprompt: cfg.Search.UseAutoprompt,
		Timeout:       time.Duration(cfg.Search.Timeout) * time.Second,
	})
	if cfg.Search.APIKey == "" {
		log.Warn("search api key is not set, search requests will fail")
	}

	// 改写 / 答案
	rewriteCfg := rewrite.DefaultConfig()
	rewriteCfg.Enabled = cfg.Pipeline.RewriteEnabled
	if cfg.AI.RewriteModel != "" {
		rewriteCfg.Model = cfg.AI.RewriteModel
	}
	s.Rewrite = rewrite.NewService(chatModel, rewriteCfg, log.With("component", "rewrite"))
	log.Info("query rewrite configured", "enabled", s.Rewrite.IsEnabled(), "client", cfg.AI.Client)
	s.Answer = answer.NewService(chatModel, &answer.Config{
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
	})

	s.Sessions = session.NewRegistry(0)

	s.Pipeline = pipeline.NewService(s.Store, s.Search, s.Rewrite, s.Answer, s.Sessions, pipeline.Config{
		HistoryLimit:      cfg.Pipeline.HistoryLimit,
		DefaultNumResults: cfg.Search.NumResults,
		MaxResults:        cfg.Search.MaxResults,
	}, log.With("component", "pipeline"))

	// 限流
	s.RateLimiter = s.newRateLimiter(ctx, cfg)

	return s, nil
}

// Close 释放数据库与 Redis 连接
func (s *Services) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// newStore 数据库可用时使用 PostgreSQL，否则使用内存存储
func (s *Services) newStore(cfg *config.Config) repository.ConversationStore {
	if !cfg.Database.Enabled {
		s.Log.Warn("database disabled, conversations are kept in memory")
		return repository.NewMemoryRepository(cfg.Memory.MaxConversations)
	}

	db, err := database.New(cfg)
	if err != nil {
		s.Log.Warn("database unavailable, falling back to in-memory store", "error", err)
		return repository.NewMemoryRepository(cfg.Memory.MaxConversations)
	}
	s.closers = append(s.closers, db.Close)
	s.Log.Info("database connected", "dbname", cfg.Database.DBName)

	return repository.NewConversationRepository(db.DB, cfg.Database.MaxOpenConns, cfg.Database.GetAcquireTimeout())
}

// newRateLimiter Redis 可用且启用限流时创建限流器
func (s *Services) newRateLimiter(ctx context.Context, cfg *config.Config) *ratelimit.Limiter {
	if !cfg.RateLimit.Enabled || !cfg.Redis.Enabled {
		s.Log.Info("rate limiting disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		s.Log.Warn("redis unavailable, rate limiting disabled", "addr", cfg.Redis.GetAddr(), "error", err)
		_ = client.Close()
		return nil
	}
	s.closers = append(s.closers, client.Close)

	s.Log.Info("rate limiting enabled", "limit", cfg.RateLimit.Limit, "window", cfg.RateLimit.GetWindow())
	return ratelimit.NewLimiter(ratelimit.NewRedisCounter(client), cfg.RateLimit.Limit, cfg.RateLimit.GetWindow(), s.Log.With("component", "ratelimit"))
}

// newChatModel 创建 ChatModel
// native 使用内置客户端，eino 使用 eino-ext 的 OpenAI 客户端，两者指向同一个 OpenAI 兼容接口
func newChatModel(ctx context.Context, cfg *config.Config, log *logger.Logger) (model.BaseChatModel, error) {
	aiCfg := cfg.AI
	if aiCfg.APIKey == "" {
		log.Warn("ai api key is not set, answer generation will fail")
	}
	timeout := time.Duration(aiCfg.Timeout) * time.Second

	switch aiCfg.Client {
	case "", "native":
		return llm.NewClient(llm.Config{
			APIKey:      aiCfg.APIKey,
			BaseURL:     aiCfg.BaseURL,
			Model:       aiCfg.Model,
			Temperature: aiCfg.Temperature,
			MaxTokens:   aiCfg.MaxTokens,
			Timeout:     timeout,
		}), nil
	case "eino":
		callback.SetupGlobalCallbacks(log.With("component", "eino"), cfg.App.Debug)

		temperature := aiCfg.Temperature
		maxTokens := aiCfg.MaxTokens
		cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:      aiCfg.APIKey,
			BaseURL:     aiCfg.BaseURL,
			Model:       aiCfg.Model,
			Timeout:     timeout,
			Temperature: &temperature,
			MaxTokens:   &maxTokens,
		})
		if err != nil {
			return nil, err
		}
		return llm.WithProviderErrors(cm), nil
	default:
		return nil, fmt.Errorf("unsupported ai client: %s", aiCfg.Client)
	}
}
