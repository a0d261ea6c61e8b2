package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/repository"
)

// setTaskCacheScript 仅在缓存中的版本不高于新版本时写入，避免乱序回填覆盖新数据。
// KEYS[1] = 缓存 key; ARGV[1] = 版本号; ARGV[2] = 任务 JSON; ARGV[3] = TTL 毫秒（0 表示不过期）
var setTaskCacheScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

// rateLimitScript 原子地递增计数并保证 key 带过期时间，固定窗口从第一次请求开始。
// 没有 TTL 的计数（例如过期设置曾经失败）会被补上过期时间。
// KEYS[1] = 计数 key; ARGV[1] = 窗口毫秒
var rateLimitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisStateRepository 是 StateRepository 接口的 Redis 实现
type RedisStateRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStateRepository 创建 RedisStateRepository 实例
func NewRedisStateRepository(client *redis.Client, keyPrefix string) *RedisStateRepository {
	if client == nil {
		panic("redis client cannot be nil for RedisStateRepository")
	}
	if keyPrefix == "" {
		keyPrefix = "kb:"
	}
	return &RedisStateRepository{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// 确保实现了接口
var _ repository.StateRepository = (*RedisStateRepository)(nil)

func (r *RedisStateRepository) taskCacheKey(taskID uint) string {
	return fmt.Sprintf("%stask:%d:cache", r.keyPrefix, taskID)
}

func (r *RedisStateRepository) rateLimitKey(key string) string {
	return fmt.Sprintf("%sratelimit:%s", r.keyPrefix, key)
}

// GetTaskCache 读取缓存的任务，未命中时返回 repository.ErrCacheMiss。
func (r *RedisStateRepository) GetTaskCache(ctx context.Context, taskID uint) (*domain.Task, error) {
	key := r.taskCacheKey(taskID)
	raw, err := r.client.HGet(ctx, key, "d").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrCacheMiss
		}
		return nil, fmt.Errorf("redis: failed to get task cache %s: %w", key, err)
	}
	var task domain.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal task cache %s: %w", key, err)
	}
	return &task, nil
}

// SetTaskCache 写入任务缓存，缓存中已有更高版本时静默跳过。
func (r *RedisStateRepository) SetTaskCache(ctx context.Context, task *domain.Task, ttl time.Duration) error {
	if task == nil {
		return fmt.Errorf("redis: cannot cache nil task")
	}
	key := r.taskCacheKey(task.ID)
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal task %d for cache: %w", task.ID, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	err = setTaskCacheScript.Run(ctx, r.client, []string{key}, task.Version, string(data), ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: failed to set task cache %s: %w", key, err)
	}
	return nil
}

// InvalidateTaskCache 删除任务缓存。
func (r *RedisStateRepository) InvalidateTaskCache(ctx context.Context, taskID uint) error {
	key := r.taskCacheKey(taskID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: failed to invalidate task cache %s: %w", key, err)
	}
	return nil
}

// CheckRateLimit 检查给定 key 的请求频率是否超限，并递增计数。
// 递增和过期设置在同一个脚本中执行，不会留下永不过期的计数。
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := r.rateLimitKey(key)
	count, err := rateLimitScript.Run(ctx, r.client, []string{fullKey}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: failed to check rate limit key %s: %w", fullKey, err)
	}
	return count > int64(limit), nil
}
