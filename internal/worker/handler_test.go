package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/repository/mocks"
	"collaborative-kanban/internal/tasks"
	"collaborative-kanban/internal/worker"
)

func TestConflictRecordHandler_SavesEntry(t *testing.T) {
	repo := new(mocks.ConflictLogRepository)
	h := worker.NewConflictRecordHandler(repo)
	entry := domain.ConflictLog{ID: 99, TaskID: 7, UserID: 1, ExpectedVersion: 5, CurrentVersion: 6, Fields: "title"}
	task, err := tasks.NewConflictRecordTask(entry)
	require.NoError(t, err)

	repo.On("Save", mock.Anything, mock.MatchedBy(func(e *domain.ConflictLog) bool {
		return e.ID == 0 && e.TaskID == 7 && e.ExpectedVersion == 5 && e.CurrentVersion == 6
	})).Return(nil).Once()

	require.NoError(t, h.ProcessTask(context.Background(), task))
	repo.AssertExpectations(t)
}

func TestConflictRecordHandler_BadPayloadSkipsRetry(t *testing.T) {
	h := worker.NewConflictRecordHandler(new(mocks.ConflictLogRepository))

	err := h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeConflictRecord, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	payload, _ := json.Marshal(tasks.ConflictRecordPayload{})
	err = h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeConflictRecord, payload))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestConflictRecordHandler_SaveErrorIsRetried(t *testing.T) {
	repo := new(mocks.ConflictLogRepository)
	h := worker.NewConflictRecordHandler(repo)
	task, err := tasks.NewConflictRecordTask(domain.ConflictLog{TaskID: 7})
	require.NoError(t, err)
	boom := errors.New("db down")
	repo.On("Save", mock.Anything, mock.Anything).Return(boom).Once()

	err = h.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestConflictPruneHandler_DeletesBeforeCutoff(t *testing.T) {
	repo := new(mocks.ConflictLogRepository)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	h := worker.NewConflictPruneHandler(repo, clk)
	task, err := tasks.NewConflictPruneTask(30 * 24 * time.Hour)
	require.NoError(t, err)

	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.On("DeleteBefore", mock.Anything, mock.MatchedBy(func(cutoff time.Time) bool {
		return cutoff.Equal(want)
	})).Return(int64(3), nil).Once()

	require.NoError(t, h.ProcessTask(context.Background(), task))
	repo.AssertExpectations(t)
}

func TestConflictPruneHandler_RejectsNonPositiveRetention(t *testing.T) {
	h := worker.NewConflictPruneHandler(new(mocks.ConflictLogRepository), clock.NewMock())
	payload, _ := json.Marshal(tasks.ConflictPrunePayload{RetentionSeconds: 0})

	err := h.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeConflictPrune, payload))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewServeMux_RoutesBothTaskTypes(t *testing.T) {
	repo := new(mocks.ConflictLogRepository)
	mux := worker.NewServeMux(repo, clock.NewMock())

	_, pattern := mux.Handler(asynq.NewTask(tasks.TypeConflictRecord, nil))
	assert.Equal(t, tasks.TypeConflictRecord, pattern)
	_, pattern = mux.Handler(asynq.NewTask(tasks.TypeConflictPrune, nil))
	assert.Equal(t, tasks.TypeConflictPrune, pattern)
}
