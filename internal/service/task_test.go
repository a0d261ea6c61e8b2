package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"collaborative-kanban/internal/domain"
	gormpersistence "collaborative-kanban/internal/infra/persistence/gorm"
	"collaborative-kanban/internal/infra/setup"
	"collaborative-kanban/internal/repository"
	"collaborative-kanban/internal/repository/mocks"
	"collaborative-kanban/internal/service"
)

type notification struct {
	task       domain.Task
	actorID    uint
	originConn string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) ItemChanged(_ context.Context, task *domain.Task, actorID uint, originConn string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{task: *task, actorID: actorID, originConn: originConn})
}

func (n *recordingNotifier) Calls() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.calls...)
}

type recordingRecorder struct {
	mu      sync.Mutex
	entries []domain.ConflictLog
	err     error
}

func (r *recordingRecorder) RecordConflict(_ context.Context, entry domain.ConflictLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return r.err
}

func titlePtr(s string) *string { return &s }
func version(v uint64) *uint64  { return &v }

func TestTaskService_Write_Success(t *testing.T) {
	taskRepo := new(mocks.TaskRepository)
	projectRepo := new(mocks.ProjectRepository)
	cache := new(mocks.StateRepository)
	notifier := &recordingNotifier{}
	clk := clock.NewMock()
	svc := service.NewTaskService(taskRepo, projectRepo, service.TaskServiceOptions{Cache: cache, Clock: clk, CacheTTL: time.Minute})
	svc.SetNotifier(notifier)
	ctx := context.Background()

	mutation := domain.TaskMutation{Title: titlePtr("New title")}
	committed := &domain.Task{ID: 1, ProjectID: 9, Title: "New title", Version: 6}
	taskRepo.On("CompareAndSwap", ctx, uint(1), mutation, version(5), uint(2), clk.Now()).Return(committed, nil).Once()
	cache.On("SetTaskCache", ctx, committed, time.Minute).Return(nil).Once()

	task, err := svc.Write(ctx, service.WriteCommand{ItemID: 1, Mutation: mutation, ExpectedVersion: version(5), ActorID: 2, OriginConn: "conn-a"})

	require.NoError(t, err)
	assert.Equal(t, uint64(6), task.Version)
	calls := notifier.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "conn-a", calls[0].originConn)
	assert.Equal(t, uint(2), calls[0].actorID)
	taskRepo.AssertExpectations(t)
	cache.AssertExpectations(t)
}

func TestTaskService_Write_VersionConflict(t *testing.T) {
	taskRepo := new(mocks.TaskRepository)
	projectRepo := new(mocks.ProjectRepository)
	notifier := &recordingNotifier{}
	recorder := &recordingRecorder{err: errors.New("queue down")}
	svc := service.NewTaskService(taskRepo, projectRepo, service.TaskServiceOptions{Recorder: recorder, Clock: clock.NewMock()})
	svc.SetNotifier(notifier)
	ctx := context.Background()

	current := &domain.Task{ID: 1, Title: "Someone else's title", Version: 6}
	taskRepo.On("CompareAndSwap", ctx, uint(1), mock.Anything, version(5), uint(2), mock.Anything).
		Return(current, repository.ErrVersionMismatch).Once()

	task, err := svc.Write(ctx, service.WriteCommand{ItemID: 1, Mutation: domain.TaskMutation{Title: titlePtr("Mine")}, ExpectedVersion: version(5), ActorID: 2})

	assert.Nil(t, task)
	require.ErrorIs(t, err, service.ErrVersionConflict)
	conflict, ok := service.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), conflict.Expected)
	assert.Equal(t, uint64(6), conflict.Current.Version)
	assert.Equal(t, "Someone else's title", conflict.Current.Title)

	assert.Empty(t, notifier.Calls(), "冲突的写入不广播")
	require.Len(t, recorder.entries, 1, "记录失败不影响冲突结果")
	assert.Equal(t, "title", recorder.entries[0].Fields)
	assert.Equal(t, uint64(6), recorder.entries[0].CurrentVersion)
}

func TestTaskService_Write_RejectsInvalidMutation(t *testing.T) {
	taskRepo := new(mocks.TaskRepository)
	svc := service.NewTaskService(taskRepo, new(mocks.ProjectRepository), service.TaskServiceOptions{})

	_, err := svc.Write(context.Background(), service.WriteCommand{ItemID: 1, Mutation: domain.TaskMutation{}, ActorID: 1})
	assert.ErrorIs(t, err, service.ErrInvalidMutation)

	_, err = svc.Write(context.Background(), service.WriteCommand{ItemID: 1, Mutation: domain.TaskMutation{Title: titlePtr("   ")}, ActorID: 1})
	assert.ErrorIs(t, err, service.ErrInvalidMutation)

	taskRepo.AssertNotCalled(t, "CompareAndSwap", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTaskService_Write_TaskNotFound(t *testing.T) {
	taskRepo := new(mocks.TaskRepository)
	svc := service.NewTaskService(taskRepo, new(mocks.ProjectRepository), service.TaskServiceOptions{})
	ctx := context.Background()
	taskRepo.On("CompareAndSwap", ctx, uint(404), mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, repository.ErrTaskNotFound).Once()

	_, err := svc.Write(ctx, service.WriteCommand{ItemID: 404, Mutation: domain.TaskMutation{Title: titlePtr("x")}, ActorID: 1})

	assert.ErrorIs(t, err, service.ErrTaskNotFound)
}

func TestTaskService_Write_TaskNotFoundDropsCache(t *testing.T) {
	taskRepo := new(mocks.TaskRepository)
	cache := new(mocks.StateRepository)
	svc := service.NewTaskService(taskRepo, new(mocks.ProjectRepository), service.TaskServiceOptions{Cache: cache, CacheTTL: time.Minute})
	ctx := context.Background()
	taskRepo.On("CompareAndSwap", ctx, uint(404), mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, repository.ErrTaskNotFound).Once()
	cache.On("InvalidateTaskCache", ctx, uint(404)).Return(nil).Once()

	_, err := svc.Write(ctx, service.WriteCommand{ItemID: 404, Mutation: domain.TaskMutation{Title: titlePtr("x")}, ActorID: 1})

	assert.ErrorIs(t, err, service.ErrTaskNotFound)
	cache.AssertExpectations(t)
}

func TestTaskService_Write_CacheFillFailureDropsStaleEntry(t *testing.T) {
	taskRepo := new(mocks.TaskRepository)
	cache := new(mocks.StateRepository)
	clk := clock.NewMock()
	svc := service.NewTaskService(taskRepo, new(mocks.ProjectRepository), service.TaskServiceOptions{Cache: cache, Clock: clk, CacheTTL: time.Minute})
	ctx := context.Background()

	mutation := domain.TaskMutation{Title: titlePtr("New title")}
	committed := &domain.Task{ID: 1, Title: "New title", Version: 6}
	taskRepo.On("CompareAndSwap", ctx, uint(1), mutation, version(5), uint(2), clk.Now()).Return(committed, nil).Once()
	cache.On("SetTaskCache", ctx, committed, time.Minute).Return(errors.New("redis down")).Once()
	cache.On("InvalidateTaskCache", ctx, uint(1)).Return(nil).Once()

	task, err := svc.Write(ctx, service.WriteCommand{ItemID: 1, Mutation: mutation, ExpectedVersion: version(5), ActorID: 2})

	require.NoError(t, err, "缓存失败不影响已提交的写入")
	assert.Equal(t, uint64(6), task.Version)
	cache.AssertExpectations(t)
}

func TestTaskService_Get_CacheFirst(t *testing.T) {
	taskRepo := new(mocks.TaskRepository)
	cache := new(mocks.StateRepository)
	svc := service.NewTaskService(taskRepo, new(mocks.ProjectRepository), service.TaskServiceOptions{Cache: cache, CacheTTL: time.Minute})
	ctx := context.Background()

	cache.On("GetTaskCache", ctx, uint(1)).Return(&domain.Task{ID: 1, Version: 3}, nil).Once()
	task, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), task.Version)
	taskRepo.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)

	stored := &domain.Task{ID: 2, Version: 7}
	cache.On("GetTaskCache", ctx, uint(2)).Return(nil, repository.ErrCacheMiss).Once()
	taskRepo.On("FindByID", ctx, uint(2)).Return(stored, nil).Once()
	cache.On("SetTaskCache", ctx, stored, time.Minute).Return(nil).Once()

	task, err = svc.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), task.Version)
	taskRepo.AssertExpectations(t)
	cache.AssertExpectations(t)
}

func TestTaskService_Create(t *testing.T) {
	taskRepo := new(mocks.TaskRepository)
	projectRepo := new(mocks.ProjectRepository)
	notifier := &recordingNotifier{}
	svc := service.NewTaskService(taskRepo, projectRepo, service.TaskServiceOptions{Clock: clock.NewMock()})
	svc.SetNotifier(notifier)
	ctx := context.Background()

	projectRepo.On("FindByID", ctx, uint(404)).Return(nil, repository.ErrProjectNotFound).Once()
	_, err := svc.Create(ctx, 404, 1, service.CreateTaskInput{Title: "Orphan"})
	assert.ErrorIs(t, err, service.ErrProjectNotFound)

	projectRepo.On("FindByID", ctx, uint(9)).Return(&domain.Project{ID: 9}, nil).Once()
	taskRepo.On("Create", ctx, mock.MatchedBy(func(task *domain.Task) bool {
		return task.Version == 1 && task.Status == domain.DefaultTaskStatus && task.Title == "Ship it"
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*domain.Task).ID = 11
	}).Return(nil).Once()

	task, err := svc.Create(ctx, 9, 1, service.CreateTaskInput{Title: "  Ship it "})
	require.NoError(t, err)
	assert.Equal(t, uint(11), task.ID)
	require.Len(t, notifier.Calls(), 1)
	assert.Empty(t, notifier.Calls()[0].originConn)
	taskRepo.AssertExpectations(t)
}

// --- 基于真实存储的并发写入场景 ---

func newStoreBackedService(t *testing.T) (*service.TaskService, *domain.Task) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, setup.MigrateDB(db))

	projectRepo := gormpersistence.NewGormProjectRepository(db)
	taskRepo := gormpersistence.NewGormTaskRepository(db)
	project := &domain.Project{Name: "Board", CreatorID: 1}
	require.NoError(t, projectRepo.Save(context.Background(), project))

	svc := service.NewTaskService(taskRepo, projectRepo, service.TaskServiceOptions{})
	task, err := svc.Create(context.Background(), project.ID, 1, service.CreateTaskInput{Title: "Shared"})
	require.NoError(t, err)
	return svc, task
}

func TestTaskService_TwoWritersSameVersion(t *testing.T) {
	svc, task := newStoreBackedService(t)
	ctx := context.Background()

	// 两个用户都基于版本 1 编辑；先到达的成功，后到达的收到冲突和当前状态
	first, err := svc.Write(ctx, service.WriteCommand{ItemID: task.ID, Mutation: domain.TaskMutation{Title: titlePtr("From B")}, ExpectedVersion: version(1), ActorID: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), first.Version)

	_, err = svc.Write(ctx, service.WriteCommand{ItemID: task.ID, Mutation: domain.TaskMutation{Title: titlePtr("From A")}, ExpectedVersion: version(1), ActorID: 1})
	conflict, ok := service.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), conflict.Current.Version)
	assert.Equal(t, "From B", conflict.Current.Title)

	// 基于新版本重新提交即可成功
	reapplied, err := svc.Write(ctx, service.WriteCommand{ItemID: task.ID, Mutation: domain.TaskMutation{Title: titlePtr("From A")}, ExpectedVersion: version(conflict.Current.Version), ActorID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), reapplied.Version)
	assert.Equal(t, "From A", reapplied.Title)
}

func TestTaskService_VersionStrictlyIncreases(t *testing.T) {
	svc, task := newStoreBackedService(t)
	ctx := context.Background()

	last := task.Version
	for i := 0; i < 5; i++ {
		var expected *uint64
		if i%2 == 0 {
			expected = version(last)
		}
		updated, err := svc.Write(ctx, service.WriteCommand{ItemID: task.ID, Mutation: domain.TaskMutation{Priority: &i}, ExpectedVersion: expected, ActorID: 1})
		require.NoError(t, err)
		assert.Equal(t, last+1, updated.Version)
		last = updated.Version
	}

	stored, err := svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, last, stored.Version)
}
