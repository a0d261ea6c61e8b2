package hub

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
	"collaborative-kanban/internal/service"
)

// dispatch 在 Run 循环中解析一帧并路由到对应房间。
// 负载不合法、连接不存在或不在目标房间时，消息被丢弃。
func (h *Hub) dispatch(msg HubMessage) {
	cs, ok := h.conns[msg.ConnID]
	if !ok {
		return
	}
	env := msg.Envelope
	logCtx := h.log.WithFields(logrus.Fields{
		"conn_id":      msg.ConnID,
		"user_id":      cs.peer.User().ID,
		"message_type": env.Type,
	})

	switch env.Type {
	case dto.TypePresenceRequest, dto.TypePresenceLeave:
		var req dto.RoomRequest
		if err := env.DecodePayload(&req); err != nil {
			logCtx.WithError(err).Warn("Dropping malformed presence message")
			return
		}
		roomID, _, _, err := domain.ParseRoomID(req.RoomID)
		if err != nil {
			logCtx.WithError(err).Warn("Dropping presence message with invalid room id")
			return
		}
		if env.Type == dto.TypePresenceRequest {
			h.join(msg.ConnID, roomID, msg.At)
		} else {
			h.leave(msg.ConnID, roomID, dto.ReleaseReasonReleased, msg.At)
		}

	case dto.TypeCursorMove:
		var req dto.CursorMoveRequest
		if err := env.DecodePayload(&req); err != nil {
			logCtx.WithError(err).Warn("Dropping malformed cursor message")
			return
		}
		roomID, _, _, err := domain.ParseRoomID(req.RoomID)
		if err != nil || !h.isMember(msg.ConnID, roomID) {
			logCtx.WithField("room_id", req.RoomID).Debug("Dropping cursor for room the connection has not joined")
			return
		}
		h.sendToRoom(roomID, roomMsg{op: opCursor, connID: msg.ConnID, cursor: req, at: msg.At}, true)

	case dto.TypeEditingStart, dto.TypeEditingStop, dto.TypeEditingHeartbeat:
		var req dto.EditingRequest
		if err := env.DecodePayload(&req); err != nil {
			logCtx.WithError(err).Warn("Dropping malformed editing message")
			return
		}
		if req.ItemID == 0 || domain.ValidateFieldName(req.Field) != nil {
			logCtx.WithFields(logrus.Fields{"item_id": req.ItemID, "field": req.Field}).Warn("Dropping editing message with invalid target")
			return
		}
		roomID := domain.TaskRoom(req.ItemID)
		if !h.isMember(msg.ConnID, roomID) {
			logCtx.WithField("room_id", string(roomID)).Warn("Dropping editing message: connection has not joined the task room")
			return
		}
		op := opEditStart
		switch env.Type {
		case dto.TypeEditingStop:
			op = opEditStop
		case dto.TypeEditingHeartbeat:
			op = opEditHeartbeat
		}
		// 心跳可以丢，start/stop 不能丢
		h.sendToRoom(roomID, roomMsg{op: op, connID: msg.ConnID, editing: req, at: msg.At}, op == opEditHeartbeat)

	case dto.TypeTaskUpdate:
		var req dto.TaskUpdateRequest
		if err := env.DecodePayload(&req); err != nil {
			logCtx.WithError(err).Warn("Dropping malformed task update")
			return
		}
		// 写入涉及存储 I/O，不能在 Run 循环中执行
		go h.handleWrite(cs.peer, req)

	default:
		logCtx.Warn("Dropping message of unknown type")
	}
}

// handleWrite 调用写入网关并把结果回复给发起连接。
func (h *Hub) handleWrite(peer Peer, req dto.TaskUpdateRequest) {
	result := dto.TaskUpdateResult{RequestID: req.RequestID, ItemID: req.ItemID}
	logCtx := h.log.WithFields(logrus.Fields{
		"conn_id": peer.ConnID(),
		"user_id": peer.User().ID,
		"task_id": req.ItemID,
	})

	if h.gateway == nil {
		result.Error = "writes are not available on this connection"
		h.reply(peer, result, logCtx)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	task, err := h.gateway.Write(ctx, service.WriteCommand{
		ItemID:          req.ItemID,
		Mutation:        req.Mutation,
		ExpectedVersion: req.ExpectedVersion,
		ActorID:         peer.User().ID,
		OriginConn:      peer.ConnID(),
	})
	switch {
	case err == nil:
		result.OK = true
		result.Version = task.Version
		result.Task = task
	case errors.Is(err, service.ErrVersionConflict):
		result.Conflict = true
		result.Error = service.ErrVersionConflict.Error()
		if ce, ok := service.AsConflict(err); ok {
			result.Current = ce.Current
			if ce.Current != nil {
				result.Version = ce.Current.Version
			}
		}
	case errors.Is(err, service.ErrInvalidMutation), errors.Is(err, service.ErrTaskNotFound):
		result.Error = err.Error()
	default:
		logCtx.WithError(err).Error("Task update failed")
		result.Error = service.ErrInternalServer.Error()
	}
	h.reply(peer, result, logCtx)
}

func (h *Hub) reply(peer Peer, result dto.TaskUpdateResult, logCtx *logrus.Entry) {
	frame, err := dto.Encode(dto.TypeTaskUpdateResult, result)
	if err != nil {
		logCtx.WithError(err).Error("Failed to encode task update result")
		return
	}
	if !peer.Send(frame) {
		logCtx.Warn("Peer send buffer full, task update result dropped")
	}
}
