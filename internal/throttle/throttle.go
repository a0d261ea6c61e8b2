// Package throttle 提供按 key 的最小间隔限流，用于光标等高频事件。
package throttle

import "time"

// Throttle 记录每个 key 最近一次放行的时间。非并发安全，由持有者串行调用。
type Throttle struct {
	interval time.Duration
	last     map[string]time.Time
}

// New 创建 Throttle，interval 为同一 key 两次放行之间的最小间隔。
func New(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Allow 判断 key 在 now 时刻是否放行，放行时记录时间。
func (t *Throttle) Allow(key string, now time.Time) bool {
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}

// Forget 清除 key 的记录。
func (t *Throttle) Forget(key string) {
	delete(t.last, key)
}

// Len 返回当前记录的 key 数量。
func (t *Throttle) Len() int {
	return len(t.last)
}
