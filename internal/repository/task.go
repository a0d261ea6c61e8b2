package repository

import (
	"context"
	"time"

	"collaborative-kanban/internal/domain"
)

// TaskRepository 定义了任务的持久化操作。版本号列是并发写入的唯一权威来源。
type TaskRepository interface {
	// FindByID 根据任务 ID 查找任务，不存在时返回 ErrTaskNotFound。
	FindByID(ctx context.Context, id uint) (*domain.Task, error)

	// Create 创建任务，调用方负责设置初始版本号。
	Create(ctx context.Context, task *domain.Task) error

	// CompareAndSwap 原子地应用修改并把版本号加一。
	// expected 非空时仅当当前版本等于 *expected 才写入；否则返回 ErrVersionMismatch
	// 以及存储中的当前任务。任务不存在时返回 ErrTaskNotFound。
	CompareAndSwap(ctx context.Context, id uint, mutation domain.TaskMutation, expected *uint64, actorID uint, now time.Time) (*domain.Task, error)
}
