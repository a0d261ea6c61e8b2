package repository

import (
	"context"
	"time"

	"collaborative-kanban/internal/domain"
)

// StateRepository 定义了与实时状态相关的操作，通常由 Redis 实现。
// 这里的数据都只是缓存或计数器，任何写入决策都不能依赖它。
type StateRepository interface {
	TaskCache
	RateLimiter
}

// TaskCache 是任务读取缓存。
type TaskCache interface {
	// GetTaskCache 读取缓存的任务，未命中时返回 ErrCacheMiss。
	GetTaskCache(ctx context.Context, taskID uint) (*domain.Task, error)

	// SetTaskCache 写入缓存；缓存中已有更高版本时不覆盖。ttl 为 0 表示不过期。
	SetTaskCache(ctx context.Context, task *domain.Task, ttl time.Duration) error

	// InvalidateTaskCache 删除缓存。
	InvalidateTaskCache(ctx context.Context, taskID uint) error
}

// RateLimiter 是固定窗口计数限流。
type RateLimiter interface {
	// CheckRateLimit 递增 key 的计数，超过 limit 时返回 true。
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
