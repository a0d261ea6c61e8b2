package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RoomKind 区分项目看板房间和单个任务房间。
type RoomKind string

const (
	RoomKindProject RoomKind = "project"
	RoomKindTask    RoomKind = "task"
)

// RoomID 是逻辑广播组的标识，格式为 "project:<id>" 或 "task:<id>"。
type RoomID string

// ErrInvalidRoomID 表示无法解析的房间标识。
var ErrInvalidRoomID = errors.New("invalid room id")

// ProjectRoom 返回项目看板对应的房间 ID。
func ProjectRoom(projectID uint) RoomID {
	return RoomID(fmt.Sprintf("%s:%d", RoomKindProject, projectID))
}

// TaskRoom 返回单个任务对应的房间 ID。
func TaskRoom(taskID uint) RoomID {
	return RoomID(fmt.Sprintf("%s:%d", RoomKindTask, taskID))
}

// ParseRoomID 校验并解析房间标识，返回房间类型和实体 ID。
func ParseRoomID(s string) (RoomID, RoomKind, uint, error) {
	kind, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", 0, fmt.Errorf("%w: %q", ErrInvalidRoomID, s)
	}
	switch RoomKind(kind) {
	case RoomKindProject, RoomKindTask:
	default:
		return "", "", 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidRoomID, kind)
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		return "", "", 0, fmt.Errorf("%w: bad id in %q", ErrInvalidRoomID, s)
	}
	return RoomID(s), RoomKind(kind), uint(id), nil
}

// Kind 返回房间类型，无法解析时返回空字符串。
func (r RoomID) Kind() RoomKind {
	_, kind, _, err := ParseRoomID(string(r))
	if err != nil {
		return ""
	}
	return kind
}

// EntityID 返回房间对应的项目或任务 ID，无法解析时返回 0。
func (r RoomID) EntityID() uint {
	_, _, id, err := ParseRoomID(string(r))
	if err != nil {
		return 0
	}
	return id
}
