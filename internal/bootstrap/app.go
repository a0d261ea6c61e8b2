package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "collaborative-kanban/internal/handler/http"
	wsHandler "collaborative-kanban/internal/handler/websocket"
	"collaborative-kanban/internal/hub"
	gormpersistence "collaborative-kanban/internal/infra/persistence/gorm"
	"collaborative-kanban/internal/infra/setup"
	redisstate "collaborative-kanban/internal/infra/state/redis"
	"collaborative-kanban/internal/middleware"
	"collaborative-kanban/internal/repository"
	"collaborative-kanban/internal/service"
	"collaborative-kanban/internal/tasks"
	"collaborative-kanban/internal/worker"
)

const conflictPruneSchedule = "@every 1h"

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Hub         *hub.Hub
	Relay       *redisstate.RedisEventRelay
	HttpServer  *http.Server

	redisClientOpt asynq.RedisClientOpt
	scheduler      *asynq.Scheduler
	ctx            context.Context
	cancel         context.CancelFunc
	stopRelay      func()
}

// Handlers 汇总路由需要的处理器。
type Handlers struct {
	Auth      *httpHandler.AuthHandler
	Project   *httpHandler.ProjectHandler
	Task      *httpHandler.TaskHandler
	Presence  *httpHandler.PresenceHandler
	WebSocket *wsHandler.WebSocketHandler
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := NewLogger(cfg)
	// 各组件使用 logrus 标准 logger，保持同样的格式和级别
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(log.GetLevel())
	log.Infof("Logger initialized (Level: %s, Format: %T)", log.GetLevel().String(), log.Formatter)

	log.Info("Initializing infrastructure...")
	db, err := setup.InitDB(cfg.DBConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return nil, fmt.Errorf("failed to migrate DB: %w", err)
	}
	log.Info("Database initialized and migrated")

	redisClient, err := setup.InitRedis(context.Background(), cfg.RedisConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)

	userRepo := gormpersistence.NewGormUserRepository(db)
	projectRepo := gormpersistence.NewGormProjectRepository(db)
	taskRepo := gormpersistence.NewGormTaskRepository(db)
	conflictRepo := gormpersistence.NewGormConflictLogRepository(db)
	stateRepo := redisstate.NewRedisStateRepository(redisClient, cfg.KeyPrefix)
	relay := redisstate.NewRedisEventRelay(redisClient, cfg.KeyPrefix)

	authService, err := service.NewAuthService(userRepo, cfg.JWTSecret, cfg.JWTExpiryHours)
	if err != nil {
		return nil, fmt.Errorf("failed to create AuthService: %w", err)
	}
	projectService := service.NewProjectService(projectRepo)
	taskService := service.NewTaskService(taskRepo, projectRepo, service.TaskServiceOptions{
		Cache:        stateRepo,
		Recorder:     tasks.NewAsynqConflictRecorder(asynqClient),
		ConflictLogs: conflictRepo,
		CacheTTL:     cfg.TaskCacheTTL,
	})

	hubInstance := hub.NewHub(hub.Options{
		Clock:   clock.New(),
		Timings: cfg.Timings,
		Gateway: taskService,
		Relay:   relay,
	})
	taskService.SetNotifier(hubInstance)
	log.WithField("instance_id", relay.InstanceID()).Info("Services and hub initialized")

	handlers := Handlers{
		Auth:      httpHandler.NewAuthHandler(authService),
		Project:   httpHandler.NewProjectHandler(projectService),
		Task:      httpHandler.NewTaskHandler(taskService),
		Presence:  httpHandler.NewPresenceHandler(hubInstance),
		WebSocket: wsHandler.NewWebSocketHandler(hubInstance, authService, cfg.CORSAllowedOrigin),
	}

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := NewRouter(cfg, log, stateRepo, handlers)

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:         cfg,
		Log:            log,
		DB:             db,
		RedisClient:    redisClient,
		AsynqClient:    asynqClient,
		AsynqServer:    worker.NewWorkerServer(redisClientOpt, conflictRepo, log),
		Hub:            hubInstance,
		Relay:          relay,
		HttpServer:     &http.Server{Addr: ":" + cfg.ServerPort, Handler: router, ReadHeaderTimeout: 10 * time.Second},
		redisClientOpt: redisClientOpt,
		ctx:            ctx,
		cancel:         cancel,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

// NewRouter 注册中间件和路由。
func NewRouter(cfg *Config, log *logrus.Logger, limiter repository.RateLimiter, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigin))

	// 公开路由按 IP 限流；认证之后的路由按用户限流，必须排在 Auth 之后
	rateLimit := middleware.RateLimit(limiter, cfg.RateLimitMax, cfg.RateLimitWindow)
	auth := middleware.Auth(cfg.JWTSecret)

	api := router.Group("/api")
	authRoutes := api.Group("/auth", rateLimit)
	{
		authRoutes.POST("/register", h.Auth.Register)
		authRoutes.POST("/login", h.Auth.Login)
	}
	protected := api.Group("", auth, rateLimit)
	{
		protected.POST("/projects", h.Project.CreateProject)
		protected.POST("/projects/:projectId/tasks", h.Task.CreateTask)
		protected.GET("/tasks/:taskId", h.Task.GetTask)
		protected.PUT("/tasks/:taskId", h.Task.UpdateTask)
		protected.GET("/tasks/:taskId/conflicts", h.Task.ListConflicts)
		protected.GET("/rooms/:roomId/presence", h.Presence.GetPresence)
	}
	router.GET("/ws", auth, rateLimit, h.WebSocket.HandleConnection)
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	return router
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() error {
	go a.Hub.Run(a.ctx)
	go a.Hub.RunSweeper(a.ctx)
	a.Log.Info("Hub and sweeper routines started")

	stop, err := a.Relay.Start(a.ctx, a.Hub.DeliverRemoteItemChanged)
	if err != nil {
		return fmt.Errorf("failed to start event relay: %w", err)
	}
	a.stopRelay = stop

	go a.AsynqServer.Start()
	a.registerPeriodicTasks()

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
	return nil
}

func (a *App) registerPeriodicTasks() {
	task, err := tasks.NewConflictPruneTask(a.Config.ConflictLogRetention)
	if err != nil {
		a.Log.Errorf("Failed to create conflict prune task: %v", err)
		return
	}

	scheduler := asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{Location: time.UTC})
	entryID, err := scheduler.Register(conflictPruneSchedule, task)
	if err != nil {
		a.Log.Errorf("Could not register periodic conflict prune task: %v", err)
		return
	}
	a.Log.Infof("Periodic conflict prune task registered with schedule '%s' (EntryID: %s)", conflictPruneSchedule, entryID)
	a.scheduler = scheduler

	go func() {
		a.Log.Info("Asynq scheduler starting...")
		if err := scheduler.Run(); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			a.Log.Errorf("Asynq scheduler Run() failed: %v", err)
		}
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	}

	// 停止 Hub：关闭所有房间和连接
	a.cancel()
	if a.stopRelay != nil {
		a.stopRelay()
	}

	if a.scheduler != nil {
		a.scheduler.Shutdown()
	}
	a.AsynqServer.Shutdown()
	if err := a.AsynqClient.Close(); err != nil {
		a.Log.Errorf("Error closing Asynq client: %v", err)
	}
	if err := a.RedisClient.Close(); err != nil {
		a.Log.Errorf("Error closing Redis connection: %v", err)
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Log.Errorf("Error closing database connection: %v", err)
		}
	}

	a.Log.Info("Application shutdown complete.")
}
