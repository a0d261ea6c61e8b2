package redisstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-kanban/internal/domain"
	redisstate "collaborative-kanban/internal/infra/state/redis"
)

type relayed struct {
	task    *domain.Task
	actorID uint
}

func startRelay(t *testing.T, relay *redisstate.RedisEventRelay) <-chan relayed {
	t.Helper()
	out := make(chan relayed, 4)
	stop, err := relay.Start(context.Background(), func(task *domain.Task, actorID uint) {
		out <- relayed{task: task, actorID: actorID}
	})
	require.NoError(t, err)
	t.Cleanup(stop)
	return out
}

func TestRedisEventRelay_DeliversToOtherInstancesOnly(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := redisstate.NewRedisEventRelay(client, "test:")
	b := redisstate.NewRedisEventRelay(client, "test:")
	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	fromA := startRelay(t, a)
	fromB := startRelay(t, b)

	require.NoError(t, a.PublishItemChanged(ctx, &domain.Task{ID: 9, ProjectID: 1, Title: "relayed", Version: 3}, 7))

	select {
	case got := <-fromB:
		assert.Equal(t, uint(9), got.task.ID)
		assert.Equal(t, uint64(3), got.task.Version)
		assert.Equal(t, uint(7), got.actorID)
	case <-time.After(2 * time.Second):
		t.Fatal("instance B did not receive the relayed change")
	}

	select {
	case got := <-fromA:
		t.Fatalf("publisher received its own message: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisEventRelay_StartRequiresHandler(t *testing.T) {
	_, client := newTestRedis(t)
	relay := redisstate.NewRedisEventRelay(client, "")

	_, err := relay.Start(context.Background(), nil)
	assert.Error(t, err)
}
