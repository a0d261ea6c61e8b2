package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/service"
)

const (
	defaultConflictHistoryLimit = 20
	maxConflictHistoryLimit     = 100
)

// TaskGateway 是 TaskHandler 依赖的任务读写入口，由 *service.TaskService 实现。
type TaskGateway interface {
	Get(ctx context.Context, taskID uint) (*domain.Task, error)
	Create(ctx context.Context, projectID, creatorID uint, in service.CreateTaskInput) (*domain.Task, error)
	Write(ctx context.Context, cmd service.WriteCommand) (*domain.Task, error)
	ConflictHistory(ctx context.Context, taskID uint, limit int) ([]domain.ConflictLog, error)
}

// TaskHandler 处理任务的创建、读取和带版本校验的写入。
type TaskHandler struct {
	tasks TaskGateway
}

// NewTaskHandler 创建 TaskHandler 实例
func NewTaskHandler(tasks TaskGateway) *TaskHandler {
	if tasks == nil {
		panic("TaskGateway cannot be nil for TaskHandler")
	}
	return &TaskHandler{tasks: tasks}
}

// CreateTaskRequest 是创建任务的请求体。
type CreateTaskRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Priority    int    `json:"priority"`
	AssigneeID  *uint  `json:"assigneeId"`
	Reference   string `json:"reference" binding:"omitempty,max=64"`
}

// UpdateTaskRequest 是 PUT /api/tasks/:taskId 的请求体。
// ExpectedVersion 为空时不做版本校验。
type UpdateTaskRequest struct {
	Mutation        domain.TaskMutation `json:"mutation"`
	ExpectedVersion *uint64             `json:"expectedVersion"`
}

// CreateTask 处理 POST /api/projects/:projectId/tasks
func (h *TaskHandler) CreateTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	projectID, ok := uintParam(c, "projectId")
	if !ok {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "project_id": projectID})

	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.CreateTask: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}

	task, err := h.tasks.Create(c.Request.Context(), projectID, userID, service.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		AssigneeID:  req.AssigneeID,
		Reference:   req.Reference,
	})
	if err != nil {
		logCtx.WithError(err).Warn("Handler.CreateTask: Failed to create task")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("task_id", task.ID).Info("Handler.CreateTask: Task created successfully")
	SuccessResponse(c, http.StatusCreated, task)
}

// GetTask 处理 GET /api/tasks/:taskId，响应中的 version 是后续写入的版本令牌。
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID, ok := uintParam(c, "taskId")
	if !ok {
		return
	}
	task, err := h.tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, task)
}

// UpdateTask 处理 PUT /api/tasks/:taskId。版本过期时返回 409 和最新状态。
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	taskID, ok := uintParam(c, "taskId")
	if !ok {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "task_id": taskID})

	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.UpdateTask: Invalid input format")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input", "details": err.Error()})
		return
	}

	task, err := h.tasks.Write(c.Request.Context(), service.WriteCommand{
		ItemID:          taskID,
		Mutation:        req.Mutation,
		ExpectedVersion: req.ExpectedVersion,
		ActorID:         userID,
	})
	if err != nil {
		logCtx.WithError(err).Info("Handler.UpdateTask: Write rejected")
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, task)
}

// ListConflicts 处理 GET /api/tasks/:taskId/conflicts?limit=N
func (h *TaskHandler) ListConflicts(c *gin.Context) {
	taskID, ok := uintParam(c, "taskId")
	if !ok {
		return
	}
	limit := defaultConflictHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			ErrorResponse(c, http.StatusBadRequest, "Invalid limit")
			return
		}
		if n > maxConflictHistoryLimit {
			n = maxConflictHistoryLimit
		}
		limit = n
	}

	entries, err := h.tasks.ConflictHistory(c.Request.Context(), taskID, limit)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	if entries == nil {
		entries = []domain.ConflictLog{}
	}
	SuccessResponse(c, http.StatusOK, gin.H{"taskId": taskID, "conflicts": entries})
}
