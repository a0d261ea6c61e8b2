package websocket

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/hub"
	"collaborative-kanban/internal/service"
)

// ProfileLoader 根据用户 ID 读取展示信息，由 *service.AuthService 实现。
type ProfileLoader interface {
	Profile(ctx context.Context, userID uint) (*domain.User, error)
}

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
	profiles ProfileLoader
}

// NewWebSocketHandler 创建 WebSocketHandler 实例。
// allowedOrigin 为空或 "*" 时允许任意来源。
func NewWebSocketHandler(h *hub.Hub, profiles ProfileLoader, allowedOrigin string) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if profiles == nil {
		panic("ProfileLoader cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigin),
	}

	return &WebSocketHandler{
		upgrader: upgrader,
		hub:      h,
		profiles: profiles,
	}
}

func originChecker(allowedOrigin string) func(r *http.Request) bool {
	if allowedOrigin == "" || allowedOrigin == "*" {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// 非浏览器客户端不带 Origin
		return origin == "" || origin == allowedOrigin
	}
}

// HandleConnection 处理 GET /ws。连接建立后通过 presence:request 加入房间。
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	userIDAny, exists := c.Get("user_id")
	if !exists {
		logrus.Warn("WS Handler: User ID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	userID, ok := userIDAny.(uint)
	if !ok {
		logrus.Error("WS Handler: User ID in context is not uint")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	logCtx := logrus.WithField("user_id", userID)

	user, err := h.profiles.Profile(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			logCtx.Warn("WS Handler: User not found")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
		} else {
			logCtx.WithError(err).Error("WS Handler: Failed to load user profile")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		}
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写入了 HTTP 错误响应
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}

	client := hub.NewClient(h.hub, conn, user.Presence())
	logCtx = logCtx.WithField("conn_id", client.ConnID())
	if err := h.hub.Register(client); err != nil {
		logCtx.WithError(err).Error("WS Handler: Hub unavailable, failed to register client")
		_ = conn.Close()
		return
	}

	client.Run()
	logCtx.Info("WS Handler: Client connected")
}
