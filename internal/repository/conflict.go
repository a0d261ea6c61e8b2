package repository

import (
	"context"
	"time"

	"collaborative-kanban/internal/domain"
)

// ConflictLogRepository 保存被拒绝的并发写入记录。
type ConflictLogRepository interface {
	// Save 保存一条冲突记录。
	Save(ctx context.Context, entry *domain.ConflictLog) error

	// ListByTask 按时间倒序返回任务最近的冲突记录。
	ListByTask(ctx context.Context, taskID uint, limit int) ([]domain.ConflictLog, error)

	// DeleteBefore 删除 cutoff 之前的记录并返回删除数量。
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
