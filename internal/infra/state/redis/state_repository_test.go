package redisstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-kanban/internal/domain"
	redisstate "collaborative-kanban/internal/infra/state/redis"
	"collaborative-kanban/internal/repository"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTaskCache_MissThenHit(t *testing.T) {
	_, client := newTestRedis(t)
	repo := redisstate.NewRedisStateRepository(client, "test:")
	ctx := context.Background()

	_, err := repo.GetTaskCache(ctx, 1)
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	task := &domain.Task{ID: 1, ProjectID: 3, Title: "Cache me", Status: "todo", Version: 4}
	require.NoError(t, repo.SetTaskCache(ctx, task, time.Minute))

	cached, err := repo.GetTaskCache(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Cache me", cached.Title)
	assert.Equal(t, uint64(4), cached.Version)
}

func TestTaskCache_DoesNotOverwriteNewerVersion(t *testing.T) {
	_, client := newTestRedis(t)
	repo := redisstate.NewRedisStateRepository(client, "test:")
	ctx := context.Background()

	require.NoError(t, repo.SetTaskCache(ctx, &domain.Task{ID: 1, Title: "v5", Version: 5}, 0))
	require.NoError(t, repo.SetTaskCache(ctx, &domain.Task{ID: 1, Title: "v3", Version: 3}, 0))

	cached, err := repo.GetTaskCache(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "v5", cached.Title, "旧版本不能覆盖新版本")

	require.NoError(t, repo.SetTaskCache(ctx, &domain.Task{ID: 1, Title: "v6", Version: 6}, 0))
	cached, err = repo.GetTaskCache(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "v6", cached.Title)
}

func TestTaskCache_TTLAndInvalidate(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := redisstate.NewRedisStateRepository(client, "test:")
	ctx := context.Background()

	require.NoError(t, repo.SetTaskCache(ctx, &domain.Task{ID: 2, Title: "ttl", Version: 1}, 10*time.Second))
	assert.Greater(t, mr.TTL("test:task:2:cache"), time.Duration(0))

	mr.FastForward(11 * time.Second)
	_, err := repo.GetTaskCache(ctx, 2)
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	require.NoError(t, repo.SetTaskCache(ctx, &domain.Task{ID: 2, Title: "again", Version: 2}, 0))
	require.NoError(t, repo.InvalidateTaskCache(ctx, 2))
	_, err = repo.GetTaskCache(ctx, 2)
	assert.ErrorIs(t, err, repository.ErrCacheMiss)
}

func TestCheckRateLimit_FixedWindow(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := redisstate.NewRedisStateRepository(client, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		exceeded, err := repo.CheckRateLimit(ctx, "ip:1.2.3.4", 2, time.Minute)
		require.NoError(t, err)
		assert.False(t, exceeded, "request %d", i+1)
	}
	exceeded, err := repo.CheckRateLimit(ctx, "ip:1.2.3.4", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, exceeded)

	mr.FastForward(61 * time.Second)
	exceeded, err = repo.CheckRateLimit(ctx, "ip:1.2.3.4", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, exceeded, "窗口过期后重新计数")
}

func TestCheckRateLimit_SetsWindowAtomically(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := redisstate.NewRedisStateRepository(client, "test:")
	ctx := context.Background()

	_, err := repo.CheckRateLimit(ctx, "user:7", 5, 30*time.Second)
	require.NoError(t, err)
	ttl := mr.TTL("test:ratelimit:user:7")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 30*time.Second)
}

func TestCheckRateLimit_RepairsCounterWithoutExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := redisstate.NewRedisStateRepository(client, "test:")
	ctx := context.Background()

	// 没有过期时间的计数会让该用户永久被限流
	require.NoError(t, mr.Set("test:ratelimit:user:9", "100"))
	require.Zero(t, mr.TTL("test:ratelimit:user:9"))

	exceeded, err := repo.CheckRateLimit(ctx, "user:9", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, exceeded)
	assert.Greater(t, mr.TTL("test:ratelimit:user:9"), time.Duration(0))

	mr.FastForward(61 * time.Second)
	exceeded, err = repo.CheckRateLimit(ctx, "user:9", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, exceeded, "补上过期时间后窗口能结束")
}
