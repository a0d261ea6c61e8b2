package gormpersistence

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"collaborative-kanban/internal/domain"
)

// GormConflictLogRepository 是 ConflictLogRepository 接口的 GORM 实现
type GormConflictLogRepository struct {
	db *gorm.DB
}

// NewGormConflictLogRepository 创建 GormConflictLogRepository 实例
func NewGormConflictLogRepository(db *gorm.DB) *GormConflictLogRepository {
	if db == nil {
		panic("database connection cannot be nil for GormConflictLogRepository")
	}
	return &GormConflictLogRepository{db: db}
}

// Save 保存一条冲突记录
func (r *GormConflictLogRepository) Save(ctx context.Context, entry *domain.ConflictLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("gorm: save conflict log (task %d, user %d): %w", entry.TaskID, entry.UserID, err)
	}
	return nil
}

// ListByTask 按检测时间倒序返回任务的冲突记录
func (r *GormConflictLogRepository) ListByTask(ctx context.Context, taskID uint, limit int) ([]domain.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []domain.ConflictLog
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("detected_at desc, id desc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list conflict logs for task %d: %w", taskID, err)
	}
	return entries, nil
}

// DeleteBefore 删除 cutoff 之前检测到的冲突记录
func (r *GormConflictLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("detected_at < ?", cutoff).Delete(&domain.ConflictLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("gorm: delete conflict logs before %v: %w", cutoff, result.Error)
	}
	return result.RowsAffected, nil
}
