package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/repository"
)

// GormTaskRepository 是 TaskRepository 接口的 GORM 实现。
// 并发写入由 version 列上的条件 UPDATE 保证。
type GormTaskRepository struct {
	db *gorm.DB
}

// NewGormTaskRepository 创建 GormTaskRepository 实例
func NewGormTaskRepository(db *gorm.DB) *GormTaskRepository {
	if db == nil {
		panic("database connection cannot be nil for GormTaskRepository")
	}
	return &GormTaskRepository{db: db}
}

// FindByID 根据任务 ID 查找任务
func (r *GormTaskRepository) FindByID(ctx context.Context, id uint) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).First(&task, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrTaskNotFound
		}
		return nil, fmt.Errorf("gorm: find task by id %d: %w", id, err)
	}
	return &task, nil
}

// Create 创建任务
func (r *GormTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		if isDuplicateEntryError(err) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create task (project %d): %w", task.ProjectID, err)
	}
	return nil
}

// CompareAndSwap 在一个事务内执行条件更新并读回结果。
//
//	UPDATE tasks SET ..., version = version + 1 WHERE id = ? [AND version = ?]
//
// 影响行数为 0 且任务存在时说明版本已变化，返回 ErrVersionMismatch 和当前任务。
func (r *GormTaskRepository) CompareAndSwap(ctx context.Context, id uint, mutation domain.TaskMutation, expected *uint64, actorID uint, now time.Time) (*domain.Task, error) {
	cols := mutation.Columns()
	cols["version"] = gorm.Expr("version + ?", 1)
	cols["updated_at"] = now
	cols["updated_by"] = actorID

	var current domain.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&domain.Task{}).Where("id = ?", id)
		if expected != nil {
			query = query.Where("version = ?", *expected)
		}
		result := query.Updates(cols)
		if result.Error != nil {
			return fmt.Errorf("gorm: conditional update task %d: %w", id, result.Error)
		}

		if err := tx.First(&current, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrTaskNotFound
			}
			return fmt.Errorf("gorm: reload task %d: %w", id, err)
		}
		if result.RowsAffected == 0 {
			return repository.ErrVersionMismatch
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrVersionMismatch) {
			return &current, err
		}
		return nil, err
	}
	return &current, nil
}
