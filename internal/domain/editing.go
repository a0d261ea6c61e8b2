package domain

import (
	"errors"
	"time"
)

const maxFieldNameLength = 64

// ErrInvalidField 表示编辑消息中的字段名不合法。
var ErrInvalidField = errors.New("invalid field name")

// ValidateFieldName 校验软锁使用的字段名。
func ValidateFieldName(field string) error {
	if field == "" || len(field) > maxFieldNameLength {
		return ErrInvalidField
	}
	return nil
}

// EditingLock 是某个用户对某个任务字段的建议性编辑声明，不阻止写入。
type EditingLock struct {
	ItemID        uint         `json:"itemId"`
	Field         string       `json:"field"`
	Holder        PresenceUser `json:"user"`
	HolderConnID  string       `json:"-"`
	AcquiredAt    time.Time    `json:"acquiredAt"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

// Stale 判断锁是否已超过 timeout 未续期。
func (l EditingLock) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.LastHeartbeat) > timeout
}

// CursorSample 是用户最近一次的光标位置。
// X/Y 是发送方换算后的世界坐标（已去除发送方的滚动和缩放）。
type CursorSample struct {
	X              float64   `json:"x"`
	Y              float64   `json:"y"`
	ViewportWidth  int       `json:"viewportWidth"`
	ViewportHeight int       `json:"viewportHeight"`
	At             time.Time `json:"timestamp"`
}

// Stale 判断光标样本是否已过期。
func (c CursorSample) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.At) > timeout
}
