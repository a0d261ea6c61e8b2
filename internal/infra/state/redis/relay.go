package redisstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
)

// ItemChangedHandler 处理其他实例发布的任务变更。
type ItemChangedHandler func(task *domain.Task, actorID uint)

// relayMessage 是跨实例转发的任务变更。
type relayMessage struct {
	Origin  string      `json:"origin"`
	ActorID uint        `json:"actorId"`
	Task    domain.Task `json:"task"`
}

// RedisEventRelay 通过 Redis Pub/Sub 在多个服务实例之间转发 task:changed。
// 每个实例只通过本地 Hub 管理自己的连接，自己发布的消息会被忽略。
type RedisEventRelay struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *logrus.Entry
}

// NewRedisEventRelay 创建 RedisEventRelay，每个实例生成唯一的 instanceID。
func NewRedisEventRelay(client *redis.Client, keyPrefix string) *RedisEventRelay {
	if client == nil {
		panic("redis client cannot be nil for RedisEventRelay")
	}
	if keyPrefix == "" {
		keyPrefix = "kb:"
	}
	instanceID := uuid.NewString()
	return &RedisEventRelay{
		client:     client,
		channel:    keyPrefix + "events:task-changed",
		instanceID: instanceID,
		logger: logrus.WithFields(logrus.Fields{
			"component": "redis_relay",
			"instance":  instanceID,
		}),
	}
}

// InstanceID 返回本实例标识。
func (r *RedisEventRelay) InstanceID() string {
	return r.instanceID
}

// PublishItemChanged 把本实例成功写入的任务发布给其他实例。
func (r *RedisEventRelay) PublishItemChanged(ctx context.Context, task *domain.Task, actorID uint) error {
	if task == nil {
		return nil
	}
	payload, err := json.Marshal(relayMessage{Origin: r.instanceID, ActorID: actorID, Task: *task})
	if err != nil {
		return fmt.Errorf("redis: failed to marshal relay message for task %d: %w", task.ID, err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.WithError(err).WithField("task_id", task.ID).Error("Redis Publish failed")
		return fmt.Errorf("redis: failed to publish to %s: %w", r.channel, err)
	}
	return nil
}

// Start 订阅频道，确认订阅成功后在后台分发消息，直到 ctx 取消或调用返回的 stop。
func (r *RedisEventRelay) Start(ctx context.Context, handler ItemChangedHandler) (stop func(), err error) {
	if handler == nil {
		return nil, fmt.Errorf("redis relay: handler cannot be nil")
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	// 等待订阅确认，之后发布的消息一定能收到
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: failed to subscribe %s: %w", r.channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.dispatch(msg, handler)
			}
		}
	}()
	r.logger.WithField("channel", r.channel).Info("Redis relay subscribed")

	return func() {
		cancel()
		_ = pubsub.Close()
		<-done
	}, nil
}

func (r *RedisEventRelay) dispatch(msg *redis.Message, handler ItemChangedHandler) {
	var m relayMessage
	if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
		r.logger.WithError(err).Warn("Dropping malformed relay message")
		return
	}
	if m.Origin == r.instanceID {
		return
	}
	task := m.Task
	handler(&task, m.ActorID)
}
