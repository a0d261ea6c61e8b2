package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/repository"
)

const maxProjectNameLength = 191

// ProjectService 负责项目管理相关的业务逻辑。
type ProjectService struct {
	projectRepo repository.ProjectRepository
}

// NewProjectService 创建 ProjectService 实例。
func NewProjectService(projectRepo repository.ProjectRepository) *ProjectService {
	if projectRepo == nil {
		panic("ProjectRepository cannot be nil for ProjectService")
	}
	return &ProjectService{projectRepo: projectRepo}
}

// CreateProject 创建一个新项目。
func (s *ProjectService) CreateProject(ctx context.Context, creatorID uint, name string) (*domain.Project, error) {
	logCtx := logrus.WithField("creator_id", creatorID)

	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxProjectNameLength {
		return nil, fmt.Errorf("%w: project name must be 1-%d characters", ErrInvalidInput, maxProjectNameLength)
	}

	project := &domain.Project{Name: name, CreatorID: creatorID}
	if err := s.projectRepo.Save(ctx, project); err != nil {
		logCtx.WithError(err).Error("Failed to save new project to database")
		return nil, ErrInternalServer
	}

	logCtx.WithField("project_id", project.ID).Info("Project created successfully")
	return project, nil
}

// FindProjectByID 查找项目。
func (s *ProjectService) FindProjectByID(ctx context.Context, projectID uint) (*domain.Project, error) {
	logCtx := logrus.WithField("project_id", projectID)
	project, err := s.projectRepo.FindByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			logCtx.Warn("FindProjectByID: Project not found")
			return nil, ErrProjectNotFound
		}
		logCtx.WithError(err).Error("FindProjectByID: Repository error")
		return nil, ErrInternalServer
	}
	if project == nil {
		return nil, ErrProjectNotFound
	}
	return project, nil
}
