package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"collaborative-kanban/internal/domain"
)

// WebSocket 消息类型
const (
	TypePresenceRequest = "presence:request" // client -> server, 加入房间
	TypePresenceLeave   = "presence:leave"   // client -> server, 离开房间
	TypePresenceJoined  = "presence:joined"
	TypePresenceLeft    = "presence:left"
	TypePresenceState   = "presence:state" // 加入后发给加入者的房间快照

	TypeCursorMove  = "cursor:move"
	TypeCursorLeave = "cursor:leave" // 光标超时被清理

	TypeEditingStart     = "editing:start"
	TypeEditingStop      = "editing:stop"
	TypeEditingHeartbeat = "editing:heartbeat"

	TypeTaskUpdate       = "task:update"
	TypeTaskUpdateResult = "task:update:result"
	TypeTaskChanged      = "task:changed"

	TypeError = "error"
)

// editing:stop 的释放原因
const (
	ReleaseReasonReleased   = "released"
	ReleaseReasonDisconnect = "disconnect"
	ReleaseReasonStale      = "stale"
)

// Envelope 是所有 WebSocket 帧的外层结构。
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode 把消息类型和负载编码为一帧。
func Encode(msgType string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode 解析一帧。
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload 把负载解析到 v。
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// RoomRequest 对应 presence:request / presence:leave。
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// PresencePayload 对应 presence:joined / presence:left。
type PresencePayload struct {
	RoomID string              `json:"roomId"`
	User   domain.PresenceUser `json:"user"`
}

// PresenceStatePayload 是加入者收到的房间当前状态。
type PresenceStatePayload struct {
	RoomID  string               `json:"roomId"`
	Users   []domain.PresenceUser `json:"users"`
	Locks   []EditingPayload      `json:"locks"`
	Cursors []CursorPayload       `json:"cursors"`
}

// CursorMoveRequest 是客户端上报的光标位置（世界坐标）。
type CursorMoveRequest struct {
	RoomID         string  `json:"roomId"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	ViewportWidth  int     `json:"viewportWidth"`
	ViewportHeight int     `json:"viewportHeight"`
}

// CursorPayload 是广播给其他成员的光标位置。
type CursorPayload struct {
	RoomID         string              `json:"roomId"`
	User           domain.PresenceUser `json:"user"`
	X              float64             `json:"x"`
	Y              float64             `json:"y"`
	ViewportWidth  int                 `json:"viewportWidth"`
	ViewportHeight int                 `json:"viewportHeight"`
	Timestamp      time.Time           `json:"timestamp"`
}

// CursorLeavePayload 通知接收方不再渲染某用户的光标。
// Idle 为 true 表示该用户超过 CURSOR_TIMEOUT 没有任何信号，界面应视其为已离开；
// 在线列表保留到显式离开或连接的 pong 超时为止。
type CursorLeavePayload struct {
	RoomID string `json:"roomId"`
	UserID uint   `json:"userId"`
	Idle   bool   `json:"idle"`
}

// EditingRequest 对应 editing:start / editing:stop / editing:heartbeat。
type EditingRequest struct {
	ItemID uint   `json:"itemId"`
	Field  string `json:"field"`
}

// EditingPayload 是软锁变化的广播。
type EditingPayload struct {
	ItemID    uint                `json:"itemId"`
	Field     string              `json:"field"`
	User      domain.PresenceUser `json:"user"`
	Timestamp time.Time           `json:"timestamp"`
	Reason    string              `json:"reason,omitempty"`
}

// TaskUpdateRequest 是通过 WebSocket 提交的写请求。
// ExpectedVersion 为空表示不做版本校验。
type TaskUpdateRequest struct {
	RequestID       string              `json:"requestId,omitempty"`
	ItemID          uint                `json:"itemId"`
	Mutation        domain.TaskMutation `json:"mutation"`
	ExpectedVersion *uint64             `json:"expectedVersion,omitempty"`
}

// TaskUpdateResult 是写请求的响应。
type TaskUpdateResult struct {
	RequestID string       `json:"requestId,omitempty"`
	ItemID    uint         `json:"itemId"`
	OK        bool         `json:"ok"`
	Version   uint64       `json:"version,omitempty"`
	Task      *domain.Task `json:"task,omitempty"`
	Conflict  bool         `json:"conflict,omitempty"`
	Current   *domain.Task `json:"current,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// TaskChangedPayload 是写入成功后的广播，接收方只能把它当作提示。
type TaskChangedPayload struct {
	RoomID string      `json:"roomId"`
	Task   domain.Task `json:"task"`
	UserID uint        `json:"userId"`
}

// ErrorPayload 是发送给客户端的错误消息。
type ErrorPayload struct {
	Message string `json:"message"`
}
