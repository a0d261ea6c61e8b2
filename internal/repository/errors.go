package repository

import "errors"

// 通用的存储库错误
var (
	// ErrNotFound 表示请求的记录未找到
	ErrNotFound = errors.New("repository: record not found")
	// ErrDuplicateEntry 表示尝试插入或更新的数据违反了唯一约束
	ErrDuplicateEntry = errors.New("repository: duplicate entry")
	// ErrVersionMismatch 表示条件写入时版本号已变化 (乐观锁)
	ErrVersionMismatch = errors.New("repository: version mismatch")
)

// 特定资源的错误
var (
	ErrUserNotFound    = ErrNotFound
	ErrProjectNotFound = ErrNotFound
	ErrTaskNotFound    = ErrNotFound
	ErrCacheMiss       = ErrNotFound
)
