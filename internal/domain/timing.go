package domain

import "time"

// 协作层默认时间参数。
const (
	DefaultCursorTimeout       = 5 * time.Second
	DefaultCursorSweepInterval = 1 * time.Second
	DefaultCursorThrottle      = 33 * time.Millisecond // ~30 Hz
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultStaleLockTimeout    = 2 * time.Minute
	DefaultLockSweepInterval   = 30 * time.Second
)

// CollabTimings 汇总光标、心跳和清理任务的时间参数。
type CollabTimings struct {
	CursorTimeout       time.Duration
	CursorSweepInterval time.Duration
	CursorThrottle      time.Duration
	HeartbeatInterval   time.Duration
	StaleLockTimeout    time.Duration
	LockSweepInterval   time.Duration
}

// DefaultCollabTimings 返回默认时间参数。
func DefaultCollabTimings() CollabTimings {
	return CollabTimings{
		CursorTimeout:       DefaultCursorTimeout,
		CursorSweepInterval: DefaultCursorSweepInterval,
		CursorThrottle:      DefaultCursorThrottle,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		StaleLockTimeout:    DefaultStaleLockTimeout,
		LockSweepInterval:   DefaultLockSweepInterval,
	}
}

// WithDefaults 用默认值填充未设置（<=0）的字段。
func (t CollabTimings) WithDefaults() CollabTimings {
	d := DefaultCollabTimings()
	if t.CursorTimeout <= 0 {
		t.CursorTimeout = d.CursorTimeout
	}
	if t.CursorSweepInterval <= 0 {
		t.CursorSweepInterval = d.CursorSweepInterval
	}
	if t.CursorThrottle <= 0 {
		t.CursorThrottle = d.CursorThrottle
	}
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = d.HeartbeatInterval
	}
	if t.StaleLockTimeout <= 0 {
		t.StaleLockTimeout = d.StaleLockTimeout
	}
	if t.LockSweepInterval <= 0 {
		t.LockSweepInterval = d.LockSweepInterval
	}
	return t
}
