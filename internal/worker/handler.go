package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/repository"
	"collaborative-kanban/internal/tasks"
)

// taskLogger 返回带任务元信息的日志条目。
func taskLogger(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	queue, _ := asynq.GetQueueName(ctx)
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"component": "worker",
		"task_id":   taskID,
		"task_type": t.Type(),
		"queue":     queue,
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})
}

// ConflictRecordHandler 处理 conflict:record 任务，把冲突记录落库。
type ConflictRecordHandler struct {
	conflictRepo repository.ConflictLogRepository
}

// NewConflictRecordHandler 创建 Handler 实例
func NewConflictRecordHandler(conflictRepo repository.ConflictLogRepository) *ConflictRecordHandler {
	if conflictRepo == nil {
		panic("ConflictLogRepository cannot be nil for ConflictRecordHandler")
	}
	return &ConflictRecordHandler{conflictRepo: conflictRepo}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *ConflictRecordHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.ConflictRecordPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	entry := payload.Entry
	if entry.TaskID == 0 {
		return fmt.Errorf("conflict record without task id: %w", asynq.SkipRetry)
	}
	// 重试时不能带着上次写入的主键
	entry.ID = 0

	if err := h.conflictRepo.Save(ctx, &entry); err != nil {
		logCtx.WithError(err).WithField("item_id", entry.TaskID).Error("Failed to save conflict record")
		return fmt.Errorf("failed to save conflict record for task %d: %w", entry.TaskID, err)
	}

	logCtx.WithFields(logrus.Fields{
		"item_id":          entry.TaskID,
		"expected_version": entry.ExpectedVersion,
		"current_version":  entry.CurrentVersion,
	}).Info("Conflict record persisted")
	return nil
}

// ConflictPruneHandler 处理 conflict:prune 任务，删除超过保留期的记录。
type ConflictPruneHandler struct {
	conflictRepo repository.ConflictLogRepository
	clock        clock.Clock
}

// NewConflictPruneHandler 创建 Handler 实例
func NewConflictPruneHandler(conflictRepo repository.ConflictLogRepository, clk clock.Clock) *ConflictPruneHandler {
	if conflictRepo == nil {
		panic("ConflictLogRepository cannot be nil for ConflictPruneHandler")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ConflictPruneHandler{conflictRepo: conflictRepo, clock: clk}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *ConflictPruneHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogger(ctx, t)

	var payload tasks.ConflictPrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Retention() <= 0 {
		return fmt.Errorf("non-positive retention %ds: %w", payload.RetentionSeconds, asynq.SkipRetry)
	}

	cutoff := h.clock.Now().Add(-payload.Retention())
	deleted, err := h.conflictRepo.DeleteBefore(ctx, cutoff)
	if err != nil {
		logCtx.WithError(err).Error("Failed to prune conflict records")
		return fmt.Errorf("failed to prune conflict records before %s: %w", cutoff.Format("2006-01-02T15:04:05Z07:00"), err)
	}

	logCtx.WithFields(logrus.Fields{"cutoff": cutoff, "deleted": deleted}).Info("Conflict records pruned")
	return nil
}
