package repository

import (
	"context"

	"collaborative-kanban/internal/domain"
)

// ProjectRepository 定义了项目数据的存储和检索操作。
type ProjectRepository interface {
	// FindByID 根据项目 ID 查找项目，不存在时返回 ErrProjectNotFound。
	FindByID(ctx context.Context, id uint) (*domain.Project, error)

	// Save 创建或更新项目。
	Save(ctx context.Context, project *domain.Project) error
}
