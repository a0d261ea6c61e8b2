package service

import (
	"errors"
	"fmt"

	"collaborative-kanban/internal/domain"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrProjectNotFound      = errors.New("project not found")
	ErrTaskNotFound         = errors.New("task not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistrationFailed   = errors.New("registration failed: username or email already exists")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidMutation      = errors.New("invalid mutation")
	ErrInternalServer       = errors.New("internal server error")
	ErrVersionConflict      = errors.New("version conflict")
)

// ConflictError 表示写入携带的版本号已过期。Current 是存储中的最新状态，
// 调用方据此决定丢弃本地修改或基于新版本重新提交。
type ConflictError struct {
	TaskID   uint
	Expected uint64
	Current  *domain.Task
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return fmt.Sprintf("version conflict on task %d: expected %d", e.TaskID, e.Expected)
	}
	return fmt.Sprintf("version conflict on task %d: expected %d, current %d", e.TaskID, e.Expected, e.Current.Version)
}

// Unwrap 使 errors.Is(err, ErrVersionConflict) 成立。
func (e *ConflictError) Unwrap() error {
	return ErrVersionConflict
}

// AsConflict 从错误链中取出 ConflictError。
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
