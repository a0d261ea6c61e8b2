package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
	handlerhttp "collaborative-kanban/internal/handler/http"
	"collaborative-kanban/internal/repository"
	"collaborative-kanban/internal/repository/mocks"
	"collaborative-kanban/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTasks struct {
	get       func(taskID uint) (*domain.Task, error)
	create    func(projectID, creatorID uint, in service.CreateTaskInput) (*domain.Task, error)
	write     func(cmd service.WriteCommand) (*domain.Task, error)
	conflicts func(taskID uint, limit int) ([]domain.ConflictLog, error)
}

func (f *fakeTasks) Get(_ context.Context, taskID uint) (*domain.Task, error) {
	return f.get(taskID)
}

func (f *fakeTasks) Create(_ context.Context, projectID, creatorID uint, in service.CreateTaskInput) (*domain.Task, error) {
	return f.create(projectID, creatorID, in)
}

func (f *fakeTasks) Write(_ context.Context, cmd service.WriteCommand) (*domain.Task, error) {
	return f.write(cmd)
}

func (f *fakeTasks) ConflictHistory(_ context.Context, taskID uint, limit int) ([]domain.ConflictLog, error) {
	return f.conflicts(taskID, limit)
}

// withUser 模拟 Auth 中间件。
func withUser(userID uint) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	}
}

func taskRouter(tasks handlerhttp.TaskGateway, userID uint) *gin.Engine {
	h := handlerhttp.NewTaskHandler(tasks)
	r := gin.New()
	api := r.Group("/api")
	if userID != 0 {
		api.Use(withUser(userID))
	}
	api.POST("/projects/:projectId/tasks", h.CreateTask)
	api.GET("/tasks/:taskId", h.GetTask)
	api.PUT("/tasks/:taskId", h.UpdateTask)
	api.GET("/tasks/:taskId/conflicts", h.ListConflicts)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTaskHandler_UpdateTask_Success(t *testing.T) {
	var got service.WriteCommand
	tasks := &fakeTasks{write: func(cmd service.WriteCommand) (*domain.Task, error) {
		got = cmd
		return &domain.Task{ID: cmd.ItemID, Title: *cmd.Mutation.Title, Version: 6}, nil
	}}
	r := taskRouter(tasks, 3)

	w := doJSON(t, r, http.MethodPut, "/api/tasks/7", gin.H{"mutation": gin.H{"title": "New"}, "expectedVersion": 5})

	require.Equal(t, http.StatusOK, w.Code)
	var task domain.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, uint64(6), task.Version)
	assert.Equal(t, uint(7), got.ItemID)
	assert.Equal(t, uint(3), got.ActorID)
	require.NotNil(t, got.ExpectedVersion)
	assert.Equal(t, uint64(5), *got.ExpectedVersion)
}

func TestTaskHandler_UpdateTask_WithoutExpectedVersion(t *testing.T) {
	var got service.WriteCommand
	tasks := &fakeTasks{write: func(cmd service.WriteCommand) (*domain.Task, error) {
		got = cmd
		return &domain.Task{ID: cmd.ItemID, Version: 2}, nil
	}}
	r := taskRouter(tasks, 3)

	w := doJSON(t, r, http.MethodPut, "/api/tasks/7", gin.H{"mutation": gin.H{"status": "done"}})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, got.ExpectedVersion)
}

func TestTaskHandler_UpdateTask_ConflictReturnsCurrent(t *testing.T) {
	current := &domain.Task{ID: 7, Title: "Theirs", Version: 6}
	tasks := &fakeTasks{write: func(cmd service.WriteCommand) (*domain.Task, error) {
		return nil, &service.ConflictError{TaskID: 7, Expected: 5, Current: current}
	}}
	r := taskRouter(tasks, 3)

	w := doJSON(t, r, http.MethodPut, "/api/tasks/7", gin.H{"mutation": gin.H{"title": "Mine"}, "expectedVersion": 5})

	require.Equal(t, http.StatusConflict, w.Code)
	var body struct {
		Error   string      `json:"error"`
		Current domain.Task `json:"current"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "version conflict", body.Error)
	assert.Equal(t, uint64(6), body.Current.Version)
	assert.Equal(t, "Theirs", body.Current.Title)
}

func TestTaskHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"invalid mutation", service.ErrInvalidMutation, http.StatusBadRequest},
		{"not found", service.ErrTaskNotFound, http.StatusNotFound},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tasks := &fakeTasks{write: func(service.WriteCommand) (*domain.Task, error) { return nil, tc.err }}
			w := doJSON(t, taskRouter(tasks, 1), http.MethodPut, "/api/tasks/7", gin.H{"mutation": gin.H{"title": "x"}})
			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestTaskHandler_RequiresUserAndValidID(t *testing.T) {
	tasks := &fakeTasks{write: func(service.WriteCommand) (*domain.Task, error) {
		t.Fatal("write must not be called")
		return nil, nil
	}}

	w := doJSON(t, taskRouter(tasks, 0), http.MethodPut, "/api/tasks/7", gin.H{"mutation": gin.H{"title": "x"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, taskRouter(tasks, 1), http.MethodPut, "/api/tasks/abc", gin.H{"mutation": gin.H{"title": "x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, taskRouter(tasks, 1), http.MethodPut, "/api/tasks/0", gin.H{"mutation": gin.H{"title": "x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_GetAndCreate(t *testing.T) {
	tasks := &fakeTasks{
		get: func(taskID uint) (*domain.Task, error) {
			if taskID == 404 {
				return nil, service.ErrTaskNotFound
			}
			return &domain.Task{ID: taskID, Version: 3}, nil
		},
		create: func(projectID, creatorID uint, in service.CreateTaskInput) (*domain.Task, error) {
			if projectID == 404 {
				return nil, service.ErrProjectNotFound
			}
			return &domain.Task{ID: 11, ProjectID: projectID, CreatorID: creatorID, Title: in.Title, Version: 1}, nil
		},
	}
	r := taskRouter(tasks, 2)

	w := doJSON(t, r, http.MethodGet, "/api/tasks/7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":3`)

	w = doJSON(t, r, http.MethodGet, "/api/tasks/404", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/projects/42/tasks", gin.H{"title": "Ship it"})
	require.Equal(t, http.StatusCreated, w.Code)
	var task domain.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, uint(42), task.ProjectID)
	assert.Equal(t, uint(2), task.CreatorID)
	assert.Equal(t, uint64(1), task.Version)

	w = doJSON(t, r, http.MethodPost, "/api/projects/404/tasks", gin.H{"title": "Ship it"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/projects/42/tasks", gin.H{"description": "no title"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskHandler_ListConflictsCapsLimit(t *testing.T) {
	var gotLimit int
	tasks := &fakeTasks{conflicts: func(taskID uint, limit int) ([]domain.ConflictLog, error) {
		gotLimit = limit
		return nil, nil
	}}
	r := taskRouter(tasks, 1)

	w := doJSON(t, r, http.MethodGet, "/api/tasks/7/conflicts?limit=500", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, gotLimit)
	assert.JSONEq(t, `{"taskId":7,"conflicts":[]}`, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/api/tasks/7/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20, gotLimit)

	w = doJSON(t, r, http.MethodGet, "/api/tasks/7/conflicts?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakePresence struct {
	state dto.PresenceStatePayload
	err   error
}

func (f *fakePresence) RoomSnapshot(_ context.Context, roomID domain.RoomID) (dto.PresenceStatePayload, error) {
	f.state.RoomID = string(roomID)
	return f.state, f.err
}

func TestPresenceHandler_GetPresence(t *testing.T) {
	source := &fakePresence{state: dto.PresenceStatePayload{
		Users:   []domain.PresenceUser{{ID: 1, Username: "alice", Name: "Alice"}},
		Locks:   []dto.EditingPayload{},
		Cursors: []dto.CursorPayload{},
	}}
	r := gin.New()
	r.GET("/api/rooms/:roomId/presence", handlerhttp.NewPresenceHandler(source).GetPresence)

	w := doJSON(t, r, http.MethodGet, "/api/rooms/project:42/presence", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state dto.PresenceStatePayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, "project:42", state.RoomID)
	require.Len(t, state.Users, 1)

	w = doJSON(t, r, http.MethodGet, "/api/rooms/board:1/presence", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	source.err = context.DeadlineExceeded
	w = doJSON(t, r, http.MethodGet, "/api/rooms/task:7/presence", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuthHandler_RegisterAndLogin(t *testing.T) {
	userRepo := new(mocks.UserRepository)
	authService, err := service.NewAuthService(userRepo, "handler-test-secret", 1)
	require.NoError(t, err)
	h := handlerhttp.NewAuthHandler(authService)
	r := gin.New()
	r.POST("/api/auth/register", h.Register)
	r.POST("/api/auth/login", h.Login)

	var saved *domain.User
	userRepo.On("FindByUsername", mock.Anything, "alice").Return(nil, repository.ErrUserNotFound).Once()
	userRepo.On("Save", mock.Anything, mock.AnythingOfType("*domain.User")).
		Run(func(args mock.Arguments) {
			saved = args.Get(1).(*domain.User)
			saved.ID = 9
		}).Return(nil).Once()

	w := doJSON(t, r, http.MethodPost, "/api/auth/register", gin.H{"username": "alice", "password": "secret123", "displayName": "Alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"user_id":9`)
	require.NotNil(t, saved)

	userRepo.On("FindByUsername", mock.Anything, "alice").Return(&domain.User{ID: 9, Username: "alice", Password: saved.Password}, nil)

	w = doJSON(t, r, http.MethodPost, "/api/auth/login", gin.H{"username": "alice", "password": "secret123"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp handlerhttp.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)

	w = doJSON(t, r, http.MethodPost, "/api/auth/login", gin.H{"username": "alice", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/auth/register", gin.H{"username": "al"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	userRepo.AssertExpectations(t)
}

func TestProjectHandler_CreateProject(t *testing.T) {
	projectRepo := new(mocks.ProjectRepository)
	h := handlerhttp.NewProjectHandler(service.NewProjectService(projectRepo))
	r := gin.New()
	r.POST("/api/projects", withUser(4), h.CreateProject)

	projectRepo.On("Save", mock.Anything, mock.MatchedBy(func(p *domain.Project) bool {
		return p.Name == "Kanbu" && p.CreatorID == 4
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*domain.Project).ID = 42
	}).Return(nil).Once()

	w := doJSON(t, r, http.MethodPost, "/api/projects", gin.H{"name": "  Kanbu  "})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"id":42`)

	w = doJSON(t, r, http.MethodPost, "/api/projects", gin.H{"name": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	projectRepo.AssertExpectations(t)
}
