package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"collaborative-kanban/internal/domain"
)

// 定义任务类型常量
const (
	TypeConflictRecord = "conflict:record" // 持久化一条冲突记录
	TypeConflictPrune  = "conflict:prune"  // 周期性清理过期的冲突记录
)

// 冲突记录不影响写入结果，放在低优先级队列
const conflictQueue = "low"

// ConflictRecordPayload 是 conflict:record 任务的负载。
type ConflictRecordPayload struct {
	Entry domain.ConflictLog `json:"entry"`
}

// ConflictPrunePayload 是 conflict:prune 任务的负载。
type ConflictPrunePayload struct {
	RetentionSeconds int64 `json:"retentionSeconds"`
}

// Retention 返回保留时长。
func (p ConflictPrunePayload) Retention() time.Duration {
	return time.Duration(p.RetentionSeconds) * time.Second
}

// NewConflictRecordTask 创建 conflict:record 任务。
func NewConflictRecordTask(entry domain.ConflictLog) (*asynq.Task, error) {
	payload, err := json.Marshal(ConflictRecordPayload{Entry: entry})
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", TypeConflictRecord, err)
	}
	return asynq.NewTask(TypeConflictRecord, payload, asynq.Queue(conflictQueue), asynq.MaxRetry(5)), nil
}

// NewConflictPruneTask 创建 conflict:prune 任务，retention 以前的记录会被删除。
func NewConflictPruneTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("%s: retention must be positive", TypeConflictPrune)
	}
	payload, err := json.Marshal(ConflictPrunePayload{RetentionSeconds: int64(retention / time.Second)})
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", TypeConflictPrune, err)
	}
	return asynq.NewTask(TypeConflictPrune, payload, asynq.Queue(conflictQueue)), nil
}

// Enqueuer 是 *asynq.Client 的投递方法。
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqConflictRecorder 把冲突记录投递到 asynq，由 worker 落库。
type AsynqConflictRecorder struct {
	client Enqueuer
}

// NewAsynqConflictRecorder 创建 AsynqConflictRecorder。
func NewAsynqConflictRecorder(client Enqueuer) *AsynqConflictRecorder {
	if client == nil {
		panic("asynq client cannot be nil for AsynqConflictRecorder")
	}
	return &AsynqConflictRecorder{client: client}
}

// RecordConflict 投递 conflict:record 任务。
func (r *AsynqConflictRecorder) RecordConflict(ctx context.Context, entry domain.ConflictLog) error {
	task, err := NewConflictRecordTask(entry)
	if err != nil {
		return err
	}
	if _, err := r.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s for task %d: %w", TypeConflictRecord, entry.TaskID, err)
	}
	return nil
}
