// Package ratelimit 基于 Redis 的固定窗口限流
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashwinyue/next-search/internal/logger"
)

// keyPrefix Redis key 前缀
const keyPrefix = "rate_limit:"

// Counter 窗口计数器
type Counter interface {
	// Incr 计数加一并返回当前值，窗口内第一次计数时设置过期时间
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// redisCounter INCR + EXPIRE 实现
type redisCounter struct {
	client *redis.Client
}

// NewRedisCounter 创建 Redis 计数器
func NewRedisCounter(client *redis.Client) Counter {
	return &redisCounter{client: client}
}

func (c *redisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Decision 限流判定
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Window    time.Duration
}

// Limiter 限流器
type Limiter struct {
	counter Counter
	limit   int
	window  time.Duration
	log     *logger.Logger
}

// NewLimiter 创建限流器
func NewLimiter(counter Counter, limit int, window time.Duration, log *logger.Logger) *Limiter {
	if log == nil {
		log = logger.NewNop()
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{counter: counter, limit: limit, window: window, log: log}
}

// Key 计数 key：rate_limit:<client>:<endpoint>
func Key(clientID, endpoint string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, clientID, endpoint)
}

// Allow 判断本次请求是否放行
// 计数失败时放行
func (l *Limiter) Allow(ctx context.Context, clientID, endpoint string) Decision {
	d := Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, Window: l.window}
	if l.limit <= 0 {
		return d
	}

	n, err := l.counter.Incr(ctx, Key(clientID, endpoint), l.window)
	if err != nil {
		l.log.Warn("rate limit counter failed, allowing request", "client", clientID, "endpoint", endpoint, "error", err)
		return d
	}

	d.Remaining = l.limit - int(n)
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Allowed = n <= int64(l.limit)
	return d
}
