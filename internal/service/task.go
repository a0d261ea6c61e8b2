package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/repository"
)

const defaultTaskCacheTTL = 10 * time.Minute

// ItemNotifier 接收成功写入的通知，用于向房间广播 task:changed。
// 实现必须是非阻塞的。
type ItemNotifier interface {
	ItemChanged(ctx context.Context, task *domain.Task, actorID uint, originConn string)
}

// ConflictRecorder 记录被拒绝的写入，通常是投递一个异步任务。
type ConflictRecorder interface {
	RecordConflict(ctx context.Context, entry domain.ConflictLog) error
}

// WriteCommand 是一次写请求。
type WriteCommand struct {
	ItemID   uint
	Mutation domain.TaskMutation
	// ExpectedVersion 为空时不做版本校验，总是写入。
	ExpectedVersion *uint64
	ActorID         uint
	// OriginConn 是发起写入的连接 ID，广播时排除该连接；HTTP 写入为空。
	OriginConn string
}

// CreateTaskInput 是创建任务的参数。
type CreateTaskInput struct {
	Title       string
	Description string
	Status      string
	Priority    int
	AssigneeID  *uint
	Reference   string
}

// TaskServiceOptions 是 TaskService 的可选依赖。
type TaskServiceOptions struct {
	Cache        repository.TaskCache
	Recorder     ConflictRecorder
	ConflictLogs repository.ConflictLogRepository
	Clock        clock.Clock
	CacheTTL     time.Duration
}

// TaskService 是任务写入的唯一入口。版本校验完全由存储层的条件更新完成，
// 缓存和广播只在写入提交之后发生。
type TaskService struct {
	taskRepo     repository.TaskRepository
	projectRepo  repository.ProjectRepository
	cache        repository.TaskCache
	recorder     ConflictRecorder
	conflictLogs repository.ConflictLogRepository
	clock        clock.Clock
	cacheTTL     time.Duration
	log          *logrus.Entry

	mu       sync.RWMutex
	notifier ItemNotifier
}

// NewTaskService 创建 TaskService 实例。
func NewTaskService(taskRepo repository.TaskRepository, projectRepo repository.ProjectRepository, opts TaskServiceOptions) *TaskService {
	if taskRepo == nil {
		panic("TaskRepository cannot be nil for TaskService")
	}
	if projectRepo == nil {
		panic("ProjectRepository cannot be nil for TaskService")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultTaskCacheTTL
	}
	return &TaskService{
		taskRepo:     taskRepo,
		projectRepo:  projectRepo,
		cache:        opts.Cache,
		recorder:     opts.Recorder,
		conflictLogs: opts.ConflictLogs,
		clock:        opts.Clock,
		cacheTTL:     opts.CacheTTL,
		log:          logrus.WithField("component", "task_service"),
	}
}

// SetNotifier 设置写入成功后的广播目标。Hub 依赖 TaskService，所以在构造之后注入。
func (s *TaskService) SetNotifier(n ItemNotifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

func (s *TaskService) currentNotifier() ItemNotifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifier
}

// Get 读取任务，优先读缓存，未命中时读库并回填。
func (s *TaskService) Get(ctx context.Context, taskID uint) (*domain.Task, error) {
	logCtx := s.log.WithField("task_id", taskID)

	if s.cache != nil {
		task, err := s.cache.GetTaskCache(ctx, taskID)
		if err == nil && task != nil {
			return task, nil
		}
		if err != nil && !errors.Is(err, repository.ErrCacheMiss) {
			logCtx.WithError(err).Warn("Task cache read failed, falling back to database")
		}
	}

	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			return nil, ErrTaskNotFound
		}
		logCtx.WithError(err).Error("Get: Repository error")
		return nil, ErrInternalServer
	}
	s.fillCache(ctx, task)
	return task, nil
}

// Create 在项目下创建任务，初始版本号为 1。
func (s *TaskService) Create(ctx context.Context, projectID, creatorID uint, in CreateTaskInput) (*domain.Task, error) {
	logCtx := s.log.WithFields(logrus.Fields{"project_id": projectID, "creator_id": creatorID})

	title := strings.TrimSpace(in.Title)
	mutation := domain.TaskMutation{Title: &title, Description: &in.Description}
	if in.Status != "" {
		mutation.Status = &in.Status
	}
	if err := mutation.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	if _, err := s.projectRepo.FindByID(ctx, projectID); err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return nil, ErrProjectNotFound
		}
		logCtx.WithError(err).Error("Create: Failed to load project")
		return nil, ErrInternalServer
	}

	task := &domain.Task{
		ProjectID:  projectID,
		Reference:  in.Reference,
		Status:     domain.DefaultTaskStatus,
		Priority:   in.Priority,
		AssigneeID: in.AssigneeID,
		Version:    1,
		CreatorID:  creatorID,
		UpdatedBy:  creatorID,
		UpdatedAt:  s.clock.Now(),
	}
	mutation.ApplyTo(task)

	if err := s.taskRepo.Create(ctx, task); err != nil {
		logCtx.WithError(err).Error("Create: Failed to save task")
		return nil, ErrInternalServer
	}
	logCtx.WithField("task_id", task.ID).Info("Task created successfully")

	s.fillCache(ctx, task)
	if n := s.currentNotifier(); n != nil {
		n.ItemChanged(ctx, task, creatorID, "")
	}
	return task, nil
}

// Write 提交一次修改。
// 版本匹配（或未携带版本）时写入并返回新状态；版本不匹配时返回 *ConflictError，
// 其中带有当前状态，存储不做任何修改。
func (s *TaskService) Write(ctx context.Context, cmd WriteCommand) (*domain.Task, error) {
	logCtx := s.log.WithFields(logrus.Fields{"task_id": cmd.ItemID, "actor_id": cmd.ActorID})

	if cmd.ItemID == 0 {
		return nil, fmt.Errorf("%w: missing item id", ErrInvalidMutation)
	}
	if err := cmd.Mutation.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	now := s.clock.Now()
	task, err := s.taskRepo.CompareAndSwap(ctx, cmd.ItemID, cmd.Mutation, cmd.ExpectedVersion, cmd.ActorID, now)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTaskNotFound):
			// 任务已被删除，缓存里可能还留着旧副本
			s.dropCache(ctx, cmd.ItemID)
			return nil, ErrTaskNotFound
		case errors.Is(err, repository.ErrVersionMismatch):
			return nil, s.conflict(ctx, cmd, task, now)
		default:
			logCtx.WithError(err).Error("Write: Repository error")
			return nil, ErrInternalServer
		}
	}

	logCtx.WithField("version", task.Version).Debug("Task write committed")
	s.fillCache(ctx, task)
	if n := s.currentNotifier(); n != nil {
		n.ItemChanged(ctx, task, cmd.ActorID, cmd.OriginConn)
	}
	return task, nil
}

// ConflictHistory 返回任务最近的冲突记录。
func (s *TaskService) ConflictHistory(ctx context.Context, taskID uint, limit int) ([]domain.ConflictLog, error) {
	if s.conflictLogs == nil {
		return nil, nil
	}
	entries, err := s.conflictLogs.ListByTask(ctx, taskID, limit)
	if err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Error("ConflictHistory: Repository error")
		return nil, ErrInternalServer
	}
	return entries, nil
}

func (s *TaskService) conflict(ctx context.Context, cmd WriteCommand, current *domain.Task, now time.Time) error {
	var expected uint64
	if cmd.ExpectedVersion != nil {
		expected = *cmd.ExpectedVersion
	}
	logCtx := s.log.WithFields(logrus.Fields{
		"task_id":          cmd.ItemID,
		"actor_id":         cmd.ActorID,
		"expected_version": expected,
	})

	if current != nil {
		logCtx = logCtx.WithField("current_version", current.Version)
		// 冲突的一方很可能马上读取，顺便刷新缓存
		s.fillCache(ctx, current)
	}
	logCtx.Info("Write rejected: version conflict")

	if s.recorder != nil {
		entry := domain.ConflictLog{
			TaskID:          cmd.ItemID,
			UserID:          cmd.ActorID,
			ExpectedVersion: expected,
			Fields:          strings.Join(cmd.Mutation.Fields(), ","),
			DetectedAt:      now,
		}
		if current != nil {
			entry.CurrentVersion = current.Version
		}
		if err := s.recorder.RecordConflict(ctx, entry); err != nil {
			logCtx.WithError(err).Warn("Failed to record conflict")
		}
	}
	return &ConflictError{TaskID: cmd.ItemID, Expected: expected, Current: current}
}

func (s *TaskService) fillCache(ctx context.Context, task *domain.Task) {
	if s.cache == nil || task == nil {
		return
	}
	if err := s.cache.SetTaskCache(ctx, task, s.cacheTTL); err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Warn("Failed to update task cache")
		// 回填失败时旧版本仍在缓存中，删掉它，读取回落到数据库
		s.dropCache(ctx, task.ID)
	}
}

func (s *TaskService) dropCache(ctx context.Context, taskID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateTaskCache(ctx, taskID); err != nil {
		s.log.WithError(err).WithField("task_id", taskID).Warn("Failed to invalidate task cache")
	}
}
