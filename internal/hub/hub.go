package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
	"collaborative-kanban/internal/service"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	hubQueueSize   = 1024
	roomInboxSize  = 256
	controlTimeout = time.Second
	writeTimeout   = 10 * time.Second
	relayTimeout   = 5 * time.Second
)

// Hub 内部消息类型
const (
	msgRegister     = "register"
	msgUnregister   = "unregister"
	msgJoin         = "join"
	msgLeave        = "leave"
	msgFrame        = "frame"
	msgItemChanged  = "item_changed"
	msgSweepCursors = "sweep_cursors"
	msgSweepLocks   = "sweep_locks"
	msgSnapshot     = "snapshot"
)

// ErrHubUnavailable 表示 Hub 队列已满或已停止。
var ErrHubUnavailable = errors.New("hub unavailable")

// HubMessage 定义了在 Hub 内部通道传递的消息。
type HubMessage struct {
	Type       string
	ConnID     string
	Peer       Peer
	RoomID     domain.RoomID
	Reason     string
	Envelope   dto.Envelope
	Task       *domain.Task
	ActorID    uint
	OriginConn string
	// At 是消息进入 Hub 的时间，节流和心跳都以它为准
	At    time.Time
	reply chan dto.PresenceStatePayload
}

// WriteGateway 是 task:update 使用的写入入口。
type WriteGateway interface {
	Write(ctx context.Context, cmd service.WriteCommand) (*domain.Task, error)
}

// EventRelay 把本实例的 task:changed 转发给其他实例。
type EventRelay interface {
	PublishItemChanged(ctx context.Context, task *domain.Task, actorID uint) error
}

// Options 是 Hub 的依赖和参数。
type Options struct {
	Clock   clock.Clock
	Timings domain.CollabTimings
	Gateway WriteGateway
	Relay   EventRelay
}

type connState struct {
	peer  Peer
	rooms map[domain.RoomID]struct{}
}

type roomHandle struct {
	room    *room
	members map[string]struct{}
}

// Hub 是连接注册表：维护连接、房间成员关系和房间 actor。
// conns 和 rooms 只在 Run 循环中读写。
type Hub struct {
	messageChan chan HubMessage

	conns map[string]*connState
	rooms map[domain.RoomID]*roomHandle

	clock   clock.Clock
	timings domain.CollabTimings
	gateway WriteGateway
	relay   EventRelay
	log     *logrus.Entry
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Hub{
		messageChan: make(chan HubMessage, hubQueueSize),
		conns:       make(map[string]*connState),
		rooms:       make(map[domain.RoomID]*roomHandle),
		clock:       opts.Clock,
		timings:     opts.Timings.WithDefaults(),
		gateway:     opts.Gateway,
		relay:       opts.Relay,
		log:         logrus.WithField("component", "hub"),
	}
}

// Timings 返回生效的时间参数。
func (h *Hub) Timings() domain.CollabTimings {
	return h.timings
}

// Run 启动 Hub 的主事件处理循环，直到 ctx 取消。
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("Hub is running...")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.log.Info("Hub is shutting down...")
			return
		case msg := <-h.messageChan:
			h.handle(msg)
		}
	}
}

func (h *Hub) handle(msg HubMessage) {
	switch msg.Type {
	case msgRegister:
		h.register(msg.Peer)
	case msgUnregister:
		h.unregister(msg.ConnID, msg.At)
	case msgJoin:
		h.join(msg.ConnID, msg.RoomID, msg.At)
	case msgLeave:
		h.leave(msg.ConnID, msg.RoomID, msg.Reason, msg.At)
	case msgFrame:
		h.dispatch(msg)
	case msgItemChanged:
		h.fanOutItemChanged(msg.Task, msg.ActorID, msg.OriginConn)
	case msgSweepCursors:
		h.forEachRoom(roomMsg{op: opSweepCursors, at: msg.At})
	case msgSweepLocks:
		h.forEachRoom(roomMsg{op: opSweepLocks, at: msg.At})
	case msgSnapshot:
		h.snapshot(msg.RoomID, msg.reply)
	default:
		h.log.Warnf("Hub: Received unknown message type: %s", msg.Type)
	}
}

func (h *Hub) register(peer Peer) {
	if peer == nil {
		h.log.Error("Hub: Attempted to register a nil peer")
		return
	}
	connID := peer.ConnID()
	if _, ok := h.conns[connID]; ok {
		return
	}
	h.conns[connID] = &connState{peer: peer, rooms: make(map[domain.RoomID]struct{})}
	h.log.WithFields(logrus.Fields{"conn_id": connID, "user_id": peer.User().ID}).Info("Connection registered")
}

// unregister 处理断开：逐个房间独立地离开并释放锁。对未知连接是空操作。
func (h *Hub) unregister(connID string, at time.Time) {
	cs, ok := h.conns[connID]
	if !ok {
		return
	}
	for roomID := range cs.rooms {
		h.leave(connID, roomID, dto.ReleaseReasonDisconnect, at)
	}
	delete(h.conns, connID)
	cs.peer.Close()
	h.log.WithFields(logrus.Fields{"conn_id": connID, "user_id": cs.peer.User().ID}).Info("Connection unregistered")
}

func (h *Hub) join(connID string, roomID domain.RoomID, at time.Time) {
	cs, ok := h.conns[connID]
	if !ok {
		h.log.WithField("conn_id", connID).Debug("Join from unknown connection ignored")
		return
	}
	if _, joined := cs.rooms[roomID]; joined {
		return
	}

	rh, exists := h.rooms[roomID]
	if !exists {
		rh = &roomHandle{room: newRoom(roomID, h.timings, roomInboxSize), members: make(map[string]struct{})}
		h.rooms[roomID] = rh
		go rh.room.run()
		h.log.WithField("room_id", string(roomID)).Info("Room created")
	}
	rh.members[connID] = struct{}{}
	cs.rooms[roomID] = struct{}{}
	rh.room.inbox <- roomMsg{op: opJoin, peer: cs.peer, at: at}
}

func (h *Hub) leave(connID string, roomID domain.RoomID, reason string, at time.Time) {
	cs, ok := h.conns[connID]
	if !ok {
		return
	}
	if _, joined := cs.rooms[roomID]; !joined {
		return
	}
	delete(cs.rooms, roomID)

	rh, exists := h.rooms[roomID]
	if !exists {
		return
	}
	delete(rh.members, connID)
	rh.room.inbox <- roomMsg{op: opLeave, connID: connID, reason: reason, at: at}

	if len(rh.members) == 0 {
		// 最后一个连接离开，房间处理完剩余消息后退出
		close(rh.room.inbox)
		delete(h.rooms, roomID)
		h.log.WithField("room_id", string(roomID)).Info("Room empty, removed from Hub")
	}
}

// isMember 判断连接是否在房间内。
func (h *Hub) isMember(connID string, roomID domain.RoomID) bool {
	cs, ok := h.conns[connID]
	if !ok {
		return false
	}
	_, joined := cs.rooms[roomID]
	return joined
}

// sendToRoom 把消息投递给房间 actor。bestEffort 的消息在 inbox 满时直接丢弃。
func (h *Hub) sendToRoom(roomID domain.RoomID, msg roomMsg, bestEffort bool) {
	rh, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if !bestEffort {
		rh.room.inbox <- msg
		return
	}
	select {
	case rh.room.inbox <- msg:
	default:
		h.log.WithField("room_id", string(roomID)).Warn("Room inbox full, dropping message")
	}
}

func (h *Hub) forEachRoom(msg roomMsg) {
	for roomID := range h.rooms {
		h.sendToRoom(roomID, msg, true)
	}
}

func (h *Hub) fanOutItemChanged(task *domain.Task, actorID uint, originConn string) {
	if task == nil {
		return
	}
	msg := roomMsg{op: opItemChanged, task: task, actorID: actorID, originConn: originConn}
	h.sendToRoom(domain.TaskRoom(task.ID), msg, false)
	if task.ProjectID != 0 {
		h.sendToRoom(domain.ProjectRoom(task.ProjectID), msg, false)
	}
}

func (h *Hub) snapshot(roomID domain.RoomID, reply chan dto.PresenceStatePayload) {
	if _, ok := h.rooms[roomID]; !ok {
		reply <- dto.PresenceStatePayload{
			RoomID:  string(roomID),
			Users:   []domain.PresenceUser{},
			Locks:   []dto.EditingPayload{},
			Cursors: []dto.CursorPayload{},
		}
		return
	}
	h.sendToRoom(roomID, roomMsg{op: opSnapshot, reply: reply}, false)
}

func (h *Hub) shutdown() {
	for roomID, rh := range h.rooms {
		close(rh.room.inbox)
		delete(h.rooms, roomID)
	}
	for connID, cs := range h.conns {
		cs.peer.Close()
		delete(h.conns, connID)
	}
}

// --- 公共方法 ---

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
// 返回 false 表示队列已满，消息被丢弃。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		h.log.WithFields(logrus.Fields{
			"message_type": msg.Type,
			"conn_id":      msg.ConnID,
		}).Warn("Hub message channel full, dropping message")
		return false
	}
}

// queueControl 用于注册、注销等不能丢失的消息，最多等待 controlTimeout。
// 超时返回 ErrHubUnavailable。
func (h *Hub) queueControl(msg HubMessage) error {
	select {
	case h.messageChan <- msg:
		return nil
	case <-time.After(controlTimeout):
		h.log.WithFields(logrus.Fields{
			"message_type": msg.Type,
			"conn_id":      msg.ConnID,
		}).Warn("Timeout sending control message to Hub channel")
		return ErrHubUnavailable
	}
}

// Register 注册一个连接。同一连接重复注册无副作用。
func (h *Hub) Register(peer Peer) error {
	return h.queueControl(HubMessage{Type: msgRegister, Peer: peer, At: h.clock.Now()})
}

// Unregister 断开连接：离开所有房间并立即释放它持有的软锁。
func (h *Hub) Unregister(connID string) {
	// 超时已记录日志；Run 停止时连接表随之失效
	_ = h.queueControl(HubMessage{Type: msgUnregister, ConnID: connID, At: h.clock.Now()})
}

// Join 让连接加入房间；已在房间内时为空操作。
func (h *Hub) Join(connID string, roomID domain.RoomID) error {
	return h.queueControl(HubMessage{Type: msgJoin, ConnID: connID, RoomID: roomID, At: h.clock.Now()})
}

// Leave 让连接离开房间；不在房间内时为空操作。
func (h *Hub) Leave(connID string, roomID domain.RoomID) error {
	return h.queueControl(HubMessage{Type: msgLeave, ConnID: connID, RoomID: roomID, Reason: dto.ReleaseReasonReleased, At: h.clock.Now()})
}

// HandleFrame 处理连接收到的一帧。无法解析的帧记录日志后丢弃。
func (h *Hub) HandleFrame(connID string, frame []byte) {
	env, err := dto.Decode(frame)
	if err != nil {
		h.log.WithError(err).WithField("conn_id", connID).Warn("Dropping malformed frame")
		return
	}
	msg := HubMessage{Type: msgFrame, ConnID: connID, Envelope: env, At: h.clock.Now()}
	switch env.Type {
	case dto.TypePresenceRequest, dto.TypePresenceLeave, dto.TypeEditingStart, dto.TypeEditingStop:
		_ = h.queueControl(msg)
	default:
		h.QueueMessage(msg)
	}
}

// ItemChanged 实现 service.ItemNotifier：向任务房间和所属项目房间广播 task:changed，
// 并通过 relay 通知其他实例。不会阻塞调用方。
func (h *Hub) ItemChanged(ctx context.Context, task *domain.Task, actorID uint, originConn string) {
	if task == nil {
		return
	}
	snapshot := *task
	_ = h.queueControl(HubMessage{Type: msgItemChanged, Task: &snapshot, ActorID: actorID, OriginConn: originConn})

	if h.relay != nil {
		go func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), relayTimeout)
			defer cancel()
			if err := h.relay.PublishItemChanged(pubCtx, &snapshot, actorID); err != nil {
				h.log.WithError(err).WithField("task_id", snapshot.ID).Warn("Failed to relay task change")
			}
		}()
	}
}

// DeliverRemoteItemChanged 把其他实例的写入广播给本地房间成员。
func (h *Hub) DeliverRemoteItemChanged(task *domain.Task, actorID uint) {
	if task == nil {
		return
	}
	snapshot := *task
	h.QueueMessage(HubMessage{Type: msgItemChanged, Task: &snapshot, ActorID: actorID})
}

// SweepCursors 让每个房间清理过期光标。
func (h *Hub) SweepCursors() {
	h.QueueMessage(HubMessage{Type: msgSweepCursors, At: h.clock.Now()})
}

// SweepLocks 让每个房间清理过期软锁。
func (h *Hub) SweepLocks() {
	h.QueueMessage(HubMessage{Type: msgSweepLocks, At: h.clock.Now()})
}

// RunSweeper 按配置的间隔周期性触发两类清理，直到 ctx 取消。
// 清理通过 Hub 队列进入房间 actor，定时器本身不接触房间状态。
func (h *Hub) RunSweeper(ctx context.Context) {
	cursorTicker := h.clock.Ticker(h.timings.CursorSweepInterval)
	lockTicker := h.clock.Ticker(h.timings.LockSweepInterval)
	defer cursorTicker.Stop()
	defer lockTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cursorTicker.C:
			h.SweepCursors()
		case <-lockTicker.C:
			h.SweepLocks()
		}
	}
}

// RoomSnapshot 返回房间当前的在线用户、软锁和光标。
// 结果在此前进入 Hub 的所有消息处理完之后生成。
func (h *Hub) RoomSnapshot(ctx context.Context, roomID domain.RoomID) (dto.PresenceStatePayload, error) {
	reply := make(chan dto.PresenceStatePayload, 1)
	select {
	case h.messageChan <- HubMessage{Type: msgSnapshot, RoomID: roomID, reply: reply}:
	case <-ctx.Done():
		return dto.PresenceStatePayload{}, fmt.Errorf("%w: %w", ErrHubUnavailable, ctx.Err())
	}
	select {
	case state := <-reply:
		return state, nil
	case <-ctx.Done():
		return dto.PresenceStatePayload{}, ctx.Err()
	}
}
