package bootstrap_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-kanban/internal/bootstrap"
	"collaborative-kanban/internal/domain"
)

func setRequired(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := bootstrap.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "kb:", cfg.KeyPrefix)
	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, 100, cfg.RateLimitMax)
	assert.Equal(t, 24, cfg.JWTExpiryHours)
	assert.Equal(t, 10*time.Minute, cfg.TaskCacheTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.ConflictLogRetention)
	assert.Equal(t, domain.DefaultCollabTimings(), cfg.Timings)
}

func TestLoadConfig_TimingOverridesAndFallbacks(t *testing.T) {
	setRequired(t)
	t.Setenv("CURSOR_THROTTLE", "50ms")
	t.Setenv("STALE_LOCK_TIMEOUT", "5m")
	t.Setenv("LOCK_SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("HEARTBEAT_INTERVAL", "-1s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LOG_LEVEL", "loud")

	cfg, err := bootstrap.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Timings.CursorThrottle)
	assert.Equal(t, 5*time.Minute, cfg.Timings.StaleLockTimeout)
	assert.Equal(t, domain.DefaultLockSweepInterval, cfg.Timings.LockSweepInterval, "非法值回退默认值")
	assert.Equal(t, domain.DefaultHeartbeatInterval, cfg.Timings.HeartbeatInterval)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_RequiresRedisAndSecret(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("JWT_SECRET", "x")
	_, err := bootstrap.LoadConfig()
	assert.Error(t, err)

	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("JWT_SECRET", "")
	_, err = bootstrap.LoadConfig()
	assert.Error(t, err)
}

func TestNewLogger_FormatByEnv(t *testing.T) {
	prod := bootstrap.NewLogger(&bootstrap.Config{AppEnv: "production", LogLevel: "debug"})
	_, isJSON := prod.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
	assert.Equal(t, logrus.DebugLevel, prod.GetLevel())

	dev := bootstrap.NewLogger(&bootstrap.Config{AppEnv: "development", LogLevel: "info"})
	_, isText := dev.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}
