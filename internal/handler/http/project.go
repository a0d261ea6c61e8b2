package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/service"
)

// ProjectHandler 处理项目相关请求。
type ProjectHandler struct {
	projectService *service.ProjectService
}

// NewProjectHandler 创建 ProjectHandler 实例
func NewProjectHandler(projectService *service.ProjectService) *ProjectHandler {
	if projectService == nil {
		panic("ProjectService cannot be nil for ProjectHandler")
	}
	return &ProjectHandler{projectService: projectService}
}

// CreateProjectRequest 是创建项目的请求体。
type CreateProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateProject 处理 POST /api/projects
func (h *ProjectHandler) CreateProject(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.CreateProject: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: name is required")
		return
	}

	project, err := h.projectService.CreateProject(c.Request.Context(), userID, req.Name)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.CreateProject: Failed to create project")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("project_id", project.ID).Info("Handler.CreateProject: Project created successfully")
	SuccessResponse(c, http.StatusCreated, project)
}
