package hub

import (
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
	"collaborative-kanban/internal/throttle"
)

type roomOp int

const (
	opJoin roomOp = iota
	opLeave
	opCursor
	opEditStart
	opEditStop
	opEditHeartbeat
	opItemChanged
	opSweepCursors
	opSweepLocks
	opSnapshot
)

// roomMsg 是发往房间 actor 的消息，只由 Hub.Run 发送。
type roomMsg struct {
	op         roomOp
	peer       Peer
	connID     string
	reason     string
	at         time.Time
	cursor     dto.CursorMoveRequest
	editing    dto.EditingRequest
	task       *domain.Task
	actorID    uint
	originConn string
	reply      chan dto.PresenceStatePayload
}

type lockKey struct {
	itemID uint
	field  string
}

// room 持有一个房间的在线成员、光标和编辑软锁。
// 所有状态只在 run goroutine 内修改，不做任何存储 I/O。
type room struct {
	id      domain.RoomID
	inbox   chan roomMsg
	timings domain.CollabTimings
	log     *logrus.Entry

	members  map[string]Peer // connID -> Peer
	cursors  map[uint]cursorEntry
	locks    map[lockKey]*domain.EditingLock
	throttle *throttle.Throttle
}

type cursorEntry struct {
	user   domain.PresenceUser
	sample domain.CursorSample
}

func newRoom(id domain.RoomID, timings domain.CollabTimings, inboxSize int) *room {
	return &room{
		id:       id,
		inbox:    make(chan roomMsg, inboxSize),
		timings:  timings,
		log:      logrus.WithFields(logrus.Fields{"component": "room", "room_id": string(id)}),
		members:  make(map[string]Peer),
		cursors:  make(map[uint]cursorEntry),
		locks:    make(map[lockKey]*domain.EditingLock),
		throttle: throttle.New(timings.CursorThrottle),
	}
}

// run 串行处理 inbox，inbox 关闭后退出。
func (r *room) run() {
	r.log.Debug("Room actor started")
	for msg := range r.inbox {
		r.handle(msg)
	}
	r.log.Debug("Room actor stopped")
}

func (r *room) handle(msg roomMsg) {
	// 单条消息出错不能拖垮整个房间
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("Recovered from panic while handling room message")
		}
	}()

	switch msg.op {
	case opJoin:
		r.join(msg.peer, msg.at)
	case opLeave:
		r.leave(msg.connID, msg.reason, msg.at)
	case opCursor:
		r.recordCursor(msg.connID, msg.cursor, msg.at)
	case opEditStart:
		r.startEditing(msg.connID, msg.editing, msg.at)
	case opEditStop:
		r.stopEditing(msg.connID, msg.editing, msg.at)
	case opEditHeartbeat:
		r.heartbeat(msg.connID, msg.editing, msg.at)
	case opItemChanged:
		r.itemChanged(msg.task, msg.actorID, msg.originConn)
	case opSweepCursors:
		r.sweepCursors(msg.at)
	case opSweepLocks:
		r.sweepLocks(msg.at)
	case opSnapshot:
		msg.reply <- r.snapshot()
	default:
		r.log.Warnf("Unknown room op: %d", msg.op)
	}
}

func (r *room) join(peer Peer, at time.Time) {
	connID := peer.ConnID()
	if _, ok := r.members[connID]; ok {
		return
	}
	user := peer.User()
	firstConn := r.connCount(user.ID) == 0
	r.members[connID] = peer

	r.sendTo(peer, dto.TypePresenceState, r.snapshot())
	if firstConn {
		r.broadcast(dto.TypePresenceJoined, dto.PresencePayload{RoomID: string(r.id), User: user}, excludeUser(user.ID))
	}
	r.log.WithFields(logrus.Fields{"conn_id": connID, "user_id": user.ID}).Debug("Connection joined room")
}

func (r *room) leave(connID, reason string, at time.Time) {
	peer, ok := r.members[connID]
	if !ok {
		return
	}
	user := peer.User()
	delete(r.members, connID)

	for key, lock := range r.locks {
		if lock.HolderConnID != connID {
			continue
		}
		delete(r.locks, key)
		r.broadcast(dto.TypeEditingStop, lockPayload(lock, at, reason), nil)
	}

	if r.connCount(user.ID) == 0 {
		delete(r.cursors, user.ID)
		r.throttle.Forget(userKey(user.ID))
		r.broadcast(dto.TypePresenceLeft, dto.PresencePayload{RoomID: string(r.id), User: user}, nil)
	}
	r.log.WithFields(logrus.Fields{"conn_id": connID, "user_id": user.ID, "reason": reason}).Debug("Connection left room")
}

func (r *room) recordCursor(connID string, req dto.CursorMoveRequest, at time.Time) {
	peer, ok := r.members[connID]
	if !ok {
		return
	}
	user := peer.User()
	if !r.throttle.Allow(userKey(user.ID), at) {
		return
	}
	sample := domain.CursorSample{X: req.X, Y: req.Y, ViewportWidth: req.ViewportWidth, ViewportHeight: req.ViewportHeight, At: at}
	r.cursors[user.ID] = cursorEntry{user: user, sample: sample}
	r.broadcast(dto.TypeCursorMove, r.cursorPayload(user, sample), excludeUser(user.ID))
}

func (r *room) startEditing(connID string, req dto.EditingRequest, at time.Time) {
	peer, ok := r.members[connID]
	if !ok {
		return
	}
	user := peer.User()
	key := lockKey{itemID: req.ItemID, field: req.Field}

	lock, held := r.locks[key]
	if held && lock.Holder.ID == user.ID {
		lock.HolderConnID = connID
		lock.LastHeartbeat = at
	} else {
		// 后声明者覆盖显示的持有者，软锁不阻止写入
		lock = &domain.EditingLock{
			ItemID:        req.ItemID,
			Field:         req.Field,
			Holder:        user,
			HolderConnID:  connID,
			AcquiredAt:    at,
			LastHeartbeat: at,
		}
		r.locks[key] = lock
	}
	r.broadcast(dto.TypeEditingStart, lockPayload(lock, at, ""), excludeUser(user.ID))
}

func (r *room) stopEditing(connID string, req dto.EditingRequest, at time.Time) {
	peer, ok := r.members[connID]
	if !ok {
		return
	}
	user := peer.User()
	key := lockKey{itemID: req.ItemID, field: req.Field}
	lock, held := r.locks[key]
	if !held || lock.Holder.ID != user.ID {
		return
	}
	delete(r.locks, key)
	r.broadcast(dto.TypeEditingStop, lockPayload(lock, at, dto.ReleaseReasonReleased), excludeUser(user.ID))
}

func (r *room) heartbeat(connID string, req dto.EditingRequest, at time.Time) {
	peer, ok := r.members[connID]
	if !ok {
		return
	}
	user := peer.User()
	key := lockKey{itemID: req.ItemID, field: req.Field}
	lock, held := r.locks[key]
	// 只续期已持有的锁；释放或清理之后迟到的心跳不重新声明
	if !held || lock.Holder.ID != user.ID {
		return
	}
	lock.LastHeartbeat = at
	lock.HolderConnID = connID
}

func (r *room) itemChanged(task *domain.Task, actorID uint, originConn string) {
	if task == nil {
		return
	}
	payload := dto.TaskChangedPayload{RoomID: string(r.id), Task: *task, UserID: actorID}
	r.broadcast(dto.TypeTaskChanged, payload, func(p Peer) bool { return p.ConnID() == originConn })
}

func (r *room) sweepCursors(now time.Time) {
	for userID, entry := range r.cursors {
		if !entry.sample.Stale(now, r.timings.CursorTimeout) {
			continue
		}
		delete(r.cursors, userID)
		r.throttle.Forget(userKey(userID))
		// 只移除光标，成员关系由连接生命周期决定
		r.broadcast(dto.TypeCursorLeave, dto.CursorLeavePayload{RoomID: string(r.id), UserID: userID, Idle: true}, excludeUser(userID))
	}
}

func (r *room) sweepLocks(now time.Time) {
	for key, lock := range r.locks {
		if !lock.Stale(now, r.timings.StaleLockTimeout) {
			continue
		}
		delete(r.locks, key)
		r.log.WithFields(logrus.Fields{
			"item_id": lock.ItemID,
			"field":   lock.Field,
			"user_id": lock.Holder.ID,
		}).Info("Evicted stale editing lock")
		r.broadcast(dto.TypeEditingStop, lockPayload(lock, now, dto.ReleaseReasonStale), nil)
	}
}

func (r *room) snapshot() dto.PresenceStatePayload {
	state := dto.PresenceStatePayload{
		RoomID:  string(r.id),
		Users:   make([]domain.PresenceUser, 0, len(r.members)),
		Locks:   make([]dto.EditingPayload, 0, len(r.locks)),
		Cursors: make([]dto.CursorPayload, 0, len(r.cursors)),
	}

	seen := make(map[uint]bool, len(r.members))
	for _, p := range r.members {
		u := p.User()
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		state.Users = append(state.Users, u)
	}
	sort.Slice(state.Users, func(i, j int) bool { return state.Users[i].ID < state.Users[j].ID })

	for _, lock := range r.locks {
		state.Locks = append(state.Locks, lockPayload(lock, lock.AcquiredAt, ""))
	}
	sort.Slice(state.Locks, func(i, j int) bool {
		if state.Locks[i].ItemID != state.Locks[j].ItemID {
			return state.Locks[i].ItemID < state.Locks[j].ItemID
		}
		return state.Locks[i].Field < state.Locks[j].Field
	})

	for _, entry := range r.cursors {
		state.Cursors = append(state.Cursors, r.cursorPayload(entry.user, entry.sample))
	}
	sort.Slice(state.Cursors, func(i, j int) bool { return state.Cursors[i].User.ID < state.Cursors[j].User.ID })
	return state
}

func (r *room) connCount(userID uint) int {
	n := 0
	for _, p := range r.members {
		if p.User().ID == userID {
			n++
		}
	}
	return n
}

func (r *room) cursorPayload(user domain.PresenceUser, s domain.CursorSample) dto.CursorPayload {
	return dto.CursorPayload{
		RoomID:         string(r.id),
		User:           user,
		X:              s.X,
		Y:              s.Y,
		ViewportWidth:  s.ViewportWidth,
		ViewportHeight: s.ViewportHeight,
		Timestamp:      s.At,
	}
}

// broadcast 向成员非阻塞发送消息，exclude 返回 true 的成员被跳过。
func (r *room) broadcast(msgType string, payload interface{}, exclude func(Peer) bool) {
	frame, err := dto.Encode(msgType, payload)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode broadcast")
		return
	}
	for _, p := range r.members {
		if exclude != nil && exclude(p) {
			continue
		}
		if !p.Send(frame) {
			r.log.WithFields(logrus.Fields{
				"conn_id":      p.ConnID(),
				"message_type": msgType,
			}).Warn("Peer send buffer full during broadcast, message dropped")
		}
	}
}

func (r *room) sendTo(p Peer, msgType string, payload interface{}) {
	frame, err := dto.Encode(msgType, payload)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode message")
		return
	}
	if !p.Send(frame) {
		r.log.WithField("conn_id", p.ConnID()).Warn("Peer send buffer full, message dropped")
	}
}

func excludeUser(userID uint) func(Peer) bool {
	return func(p Peer) bool { return p.User().ID == userID }
}

func lockPayload(lock *domain.EditingLock, ts time.Time, reason string) dto.EditingPayload {
	if ts.IsZero() {
		ts = lock.LastHeartbeat
	}
	return dto.EditingPayload{
		ItemID:    lock.ItemID,
		Field:     lock.Field,
		User:      lock.Holder,
		Timestamp: ts,
		Reason:    reason,
	}
}

func userKey(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}
