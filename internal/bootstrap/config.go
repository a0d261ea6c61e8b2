package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/infra/setup"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	DBUser        string
	DBPassword    string
	DBHost        string
	DBPort        string
	DBName        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	JWTSecret      string
	JWTExpiryHours int

	ServerPort        string
	LogLevel          string
	AppEnv            string // development / production
	CORSAllowedOrigin string
	RateLimitMax      int
	RateLimitWindow   time.Duration

	TaskCacheTTL         time.Duration
	ConflictLogRetention time.Duration
	Timings              domain.CollabTimings
}

// LoadConfig 从环境变量加载配置
func LoadConfig() (*Config, error) {
	// 优先加载 .env 文件 (如果存在)
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            os.Getenv("DB_PORT"),
		DBName:            os.Getenv("DB_NAME"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:         os.Getenv("REDIS_KEY_PREFIX"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		ServerPort:        os.Getenv("SERVER_PORT"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		AppEnv:            os.Getenv("APP_ENV"),
		CORSAllowedOrigin: os.Getenv("CORS_ALLOWED_ORIGIN"),

		RedisDB:              envInt("REDIS_DB", 0),
		JWTExpiryHours:       envInt("JWT_EXPIRY_HOURS", 24),
		RateLimitMax:         envInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow:      envDuration("RATE_LIMIT_WINDOW", time.Second),
		TaskCacheTTL:         envDuration("TASK_CACHE_TTL", 10*time.Minute),
		ConflictLogRetention: envDuration("CONFLICT_LOG_RETENTION", 30*24*time.Hour),
		Timings: domain.CollabTimings{
			CursorTimeout:       envDuration("CURSOR_TIMEOUT", domain.DefaultCursorTimeout),
			CursorSweepInterval: envDuration("CURSOR_SWEEP_INTERVAL", domain.DefaultCursorSweepInterval),
			CursorThrottle:      envDuration("CURSOR_THROTTLE", domain.DefaultCursorThrottle),
			HeartbeatInterval:   envDuration("HEARTBEAT_INTERVAL", domain.DefaultHeartbeatInterval),
			StaleLockTimeout:    envDuration("STALE_LOCK_TIMEOUT", domain.DefaultStaleLockTimeout),
			LockSweepInterval:   envDuration("LOCK_SWEEP_INTERVAL", domain.DefaultLockSweepInterval),
		},
	}

	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "kb:"
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if cfg.Timings.HeartbeatInterval >= cfg.Timings.StaleLockTimeout {
		logrus.Warnf("HEARTBEAT_INTERVAL %s is not below STALE_LOCK_TIMEOUT %s, active editors will lose their locks",
			cfg.Timings.HeartbeatInterval, cfg.Timings.StaleLockTimeout)
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// DBConfig 返回数据库连接参数。
func (c *Config) DBConfig() setup.DBConfig {
	return setup.DBConfig{User: c.DBUser, Password: c.DBPassword, Host: c.DBHost, Port: c.DBPort, Name: c.DBName}
}

// RedisConfig 返回 Redis 连接参数。
func (c *Config) RedisConfig() setup.RedisConfig {
	return setup.RedisConfig{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// NewLogger 按环境选择日志格式：生产环境 JSON，开发环境带时间戳的文本。
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	return log
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		logrus.Warnf("Invalid %s '%s', using default %d", key, raw, def)
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		logrus.Warnf("Invalid %s '%s', using default %s", key, raw, def)
		return def
	}
	return v
}
