package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
)

const presenceQueryTimeout = 3 * time.Second

// PresenceSource 提供房间的实时快照，由 *hub.Hub 实现。
type PresenceSource interface {
	RoomSnapshot(ctx context.Context, roomID domain.RoomID) (dto.PresenceStatePayload, error)
}

// PresenceHandler 返回房间的在线成员、编辑软锁和光标。
type PresenceHandler struct {
	source PresenceSource
}

// NewPresenceHandler 创建 PresenceHandler 实例
func NewPresenceHandler(source PresenceSource) *PresenceHandler {
	if source == nil {
		panic("PresenceSource cannot be nil for PresenceHandler")
	}
	return &PresenceHandler{source: source}
}

// GetPresence 处理 GET /api/rooms/:roomId/presence
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	roomID, _, _, err := domain.ParseRoomID(c.Param("roomId"))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), presenceQueryTimeout)
	defer cancel()
	state, err := h.source.RoomSnapshot(ctx, roomID)
	if err != nil {
		logrus.WithError(err).WithField("room_id", string(roomID)).Error("Handler.GetPresence: Snapshot failed")
		ErrorResponse(c, http.StatusServiceUnavailable, "Presence is temporarily unavailable")
		return
	}
	SuccessResponse(c, http.StatusOK, state)
}
