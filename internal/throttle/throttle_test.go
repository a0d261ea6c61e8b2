package throttle_test

import (
	"testing"
	"time"

	"collaborative-kanban/internal/throttle"

	"github.com/stretchr/testify/assert"
)

func TestThrottle_DropsSamplesInsideWindow(t *testing.T) {
	th := throttle.New(33 * time.Millisecond)
	base := time.Unix(1000, 0)

	// 10ms, 20ms, 50ms 三个样本，只有间隔 >=33ms 的被放行
	assert.True(t, th.Allow("u1", base.Add(10*time.Millisecond)))
	assert.False(t, th.Allow("u1", base.Add(20*time.Millisecond)))
	assert.True(t, th.Allow("u1", base.Add(50*time.Millisecond)))
}

func TestThrottle_KeysAreIndependent(t *testing.T) {
	th := throttle.New(time.Second)
	now := time.Unix(0, 0)

	assert.True(t, th.Allow("a", now))
	assert.True(t, th.Allow("b", now))
	assert.False(t, th.Allow("a", now.Add(500*time.Millisecond)))
	assert.Equal(t, 2, th.Len())
}

func TestThrottle_ForgetResetsKey(t *testing.T) {
	th := throttle.New(time.Second)
	now := time.Unix(0, 0)

	assert.True(t, th.Allow("a", now))
	th.Forget("a")
	assert.True(t, th.Allow("a", now.Add(time.Millisecond)))
}
