// Package coordinator 是客户端一侧的协作协调器：每个打开的任务视图一个实例。
// 它负责编辑软锁的声明和心跳、光标节流、携带版本令牌提交写入，
// 以及在冲突时进入需要用户决定的协调状态。
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
	"collaborative-kanban/internal/service"
	"collaborative-kanban/internal/throttle"
)

const heartbeatSendTimeout = 5 * time.Second

var (
	// ErrNotOpen 表示协调器尚未 Open 或已经 Close。
	ErrNotOpen = errors.New("coordinator is not open")
	// ErrUnresolvedConflict 表示存在未处理的冲突，必须先 Resolve。
	ErrUnresolvedConflict = errors.New("conflict must be resolved before submitting")
	// ErrNoConflict 表示当前没有需要处理的冲突。
	ErrNoConflict = errors.New("no conflict to resolve")
)

// Transport 是到服务端的实时消息通道。
type Transport interface {
	Send(ctx context.Context, msgType string, payload interface{}) error
}

// TaskReader 读取任务的当前状态和版本。
type TaskReader interface {
	GetTask(ctx context.Context, taskID uint) (*domain.Task, error)
}

// TaskWriter 提交带版本校验的写入。版本过期时返回的错误满足
// errors.Is(err, service.ErrVersionConflict)，并可用 service.AsConflict 取出最新状态。
type TaskWriter interface {
	UpdateTask(ctx context.Context, taskID uint, mutation domain.TaskMutation, expectedVersion *uint64) (*domain.Task, error)
}

// State 是协调器的状态。
type State int

const (
	StateIdle State = iota
	StateReady
	StateSubmitting
	StateConflict
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateSubmitting:
		return "submitting"
	case StateConflict:
		return "conflict"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Resolution 是用户对冲突的选择。
type Resolution int

const (
	// ResolutionDiscard 丢弃本地修改，采用服务端的最新状态。
	ResolutionDiscard Resolution = iota
	// ResolutionReapply 以最新版本为基准重新提交本地修改。
	ResolutionReapply
)

// Conflict 是等待用户处理的冲突：本地未提交的修改和服务端的最新状态。
type Conflict struct {
	Local  domain.TaskMutation
	Remote *domain.Task
}

// Config 是协调器的依赖和参数。
type Config struct {
	ItemID    uint
	Transport Transport
	Reader    TaskReader
	Writer    TaskWriter
	Clock     clock.Clock
	Timings   domain.CollabTimings
}

// Coordinator 管理一个任务视图的协作状态。所有方法可并发调用。
type Coordinator struct {
	itemID    uint
	roomID    domain.RoomID
	transport Transport
	reader    TaskReader
	writer    TaskWriter
	clock     clock.Clock
	timings   domain.CollabTimings
	log       *logrus.Entry

	mu       sync.Mutex
	state    State
	task     *domain.Task
	version  uint64
	conflict *Conflict
	focused  map[string]*focusLoop
	throttle *throttle.Throttle
	hint     *domain.Task // 最近一次 task:changed，只作提示

	locks   map[string]dto.EditingPayload // field -> 当前显示的持有者
	cursors map[uint]dto.CursorPayload
	idle    map[uint]struct{} // 光标超时、仍在在线列表中的用户

	wg sync.WaitGroup
}

// focusLoop 是一个聚焦字段的心跳 goroutine。该字段的所有编辑消息都由它发出，
// 保证 Blur 的 editing:stop 是最后一条。
type focusLoop struct {
	done    chan struct{} // 通知停止
	exited  chan struct{} // goroutine 已退出
	reclaim chan struct{} // 锁被清理后重新声明
}

func newFocusLoop() *focusLoop {
	return &focusLoop{
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		reclaim: make(chan struct{}, 1),
	}
}

// New 创建协调器。
func New(cfg Config) *Coordinator {
	if cfg.ItemID == 0 {
		panic("coordinator: ItemID is required")
	}
	if cfg.Transport == nil || cfg.Reader == nil || cfg.Writer == nil {
		panic("coordinator: Transport, Reader and Writer are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	timings := cfg.Timings.WithDefaults()
	return &Coordinator{
		itemID:    cfg.ItemID,
		roomID:    domain.TaskRoom(cfg.ItemID),
		transport: cfg.Transport,
		reader:    cfg.Reader,
		writer:    cfg.Writer,
		clock:     cfg.Clock,
		timings:   timings,
		log:       logrus.WithFields(logrus.Fields{"component": "coordinator", "item_id": cfg.ItemID}),
		focused:   make(map[string]*focusLoop),
		throttle:  throttle.New(timings.CursorThrottle),
		locks:     make(map[string]dto.EditingPayload),
		cursors:   make(map[uint]dto.CursorPayload),
		idle:      make(map[uint]struct{}),
	}
}

// Open 加入任务房间并读取任务，记录此时的版本令牌。
func (c *Coordinator) Open(ctx context.Context) (*domain.Task, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, fmt.Errorf("open: coordinator is %s", c.state)
	}
	c.mu.Unlock()

	if err := c.transport.Send(ctx, dto.TypePresenceRequest, dto.RoomRequest{RoomID: string(c.roomID)}); err != nil {
		return nil, fmt.Errorf("join %s: %w", c.roomID, err)
	}
	task, err := c.reader.GetTask(ctx, c.itemID)
	if err != nil {
		return nil, fmt.Errorf("read task %d: %w", c.itemID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.task = task
	c.version = task.Version
	c.state = StateReady
	c.log.WithField("version", task.Version).Debug("Coordinator opened")
	return cloneTask(task), nil
}

// Focus 声明正在编辑 field 并开始按 HEARTBEAT_INTERVAL 发送心跳。
// 对已聚焦的字段重复调用不会重复声明。
func (c *Coordinator) Focus(ctx context.Context, field string) error {
	if err := domain.ValidateFieldName(field); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.isOpen() {
		c.mu.Unlock()
		return ErrNotOpen
	}
	if _, ok := c.focused[field]; ok {
		c.mu.Unlock()
		return nil
	}
	loop := newFocusLoop()
	c.focused[field] = loop
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.transport.Send(ctx, dto.TypeEditingStart, dto.EditingRequest{ItemID: c.itemID, Field: field}); err != nil {
		c.mu.Lock()
		if c.focused[field] == loop {
			delete(c.focused, field)
		}
		c.mu.Unlock()
		close(loop.exited)
		c.wg.Done()
		return fmt.Errorf("editing:start %s: %w", field, err)
	}
	go c.heartbeatLoop(field, c.clock.Ticker(c.timings.HeartbeatInterval), loop)
	return nil
}

// Blur 停止心跳并释放 field 的编辑声明。连接已断开时服务端会自动释放。
func (c *Coordinator) Blur(ctx context.Context, field string) error {
	c.mu.Lock()
	loop, ok := c.focused[field]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.focused, field)
	close(loop.done)
	c.mu.Unlock()

	// 等待进行中的心跳写完，editing:stop 之后不能再有心跳
	<-loop.exited
	if err := c.transport.Send(ctx, dto.TypeEditingStop, dto.EditingRequest{ItemID: c.itemID, Field: field}); err != nil {
		return fmt.Errorf("editing:stop %s: %w", field, err)
	}
	return nil
}

// Focused 返回当前聚焦的字段。
func (c *Coordinator) Focused() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields := make([]string, 0, len(c.focused))
	for f := range c.focused {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func (c *Coordinator) heartbeatLoop(field string, ticker *clock.Ticker, loop *focusLoop) {
	defer c.wg.Done()
	defer close(loop.exited)
	defer ticker.Stop()
	req := dto.EditingRequest{ItemID: c.itemID, Field: field}
	for {
		msgType := dto.TypeEditingHeartbeat
		select {
		case <-loop.done:
			return
		case <-ticker.C:
		case <-loop.reclaim:
			msgType = dto.TypeEditingStart
		}
		select {
		case <-loop.done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), heartbeatSendTimeout)
		err := c.transport.Send(ctx, msgType, req)
		cancel()
		if err != nil {
			// 心跳丢失不是错误，服务端的清理会处理
			c.log.WithError(err).WithFields(logrus.Fields{"field": field, "type": msgType}).Debug("Editing message not delivered")
		}
	}
}

// MoveCursor 上报光标的世界坐标（已去除本端的滚动和缩放）。
// 33ms 内的重复上报被丢弃，返回值表示是否实际发送。
func (c *Coordinator) MoveCursor(ctx context.Context, x, y float64, viewportWidth, viewportHeight int) (bool, error) {
	c.mu.Lock()
	if !c.isOpen() {
		c.mu.Unlock()
		return false, ErrNotOpen
	}
	allowed := c.throttle.Allow("self", c.clock.Now())
	c.mu.Unlock()
	if !allowed {
		return false, nil
	}
	err := c.transport.Send(ctx, dto.TypeCursorMove, dto.CursorMoveRequest{
		RoomID:         string(c.roomID),
		X:              x,
		Y:              y,
		ViewportWidth:  viewportWidth,
		ViewportHeight: viewportHeight,
	})
	if err != nil {
		return false, fmt.Errorf("cursor:move: %w", err)
	}
	return true, nil
}

// Submit 携带最近一次成功读写得到的版本令牌提交修改。
// 版本过期时进入 StateConflict，返回的错误满足 errors.Is(err, service.ErrVersionConflict)。
func (c *Coordinator) Submit(ctx context.Context, mutation domain.TaskMutation) (*domain.Task, error) {
	c.mu.Lock()
	switch c.state {
	case StateReady:
	case StateConflict:
		c.mu.Unlock()
		return nil, ErrUnresolvedConflict
	case StateSubmitting:
		c.mu.Unlock()
		return nil, errors.New("submit already in flight")
	default:
		c.mu.Unlock()
		return nil, ErrNotOpen
	}
	expected := c.version
	c.state = StateSubmitting
	c.mu.Unlock()

	return c.submit(ctx, mutation, expected)
}

func (c *Coordinator) submit(ctx context.Context, mutation domain.TaskMutation, expected uint64) (*domain.Task, error) {
	task, err := c.writer.UpdateTask(ctx, c.itemID, mutation, &expected)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, ErrNotOpen
	}
	if err != nil {
		if ce, ok := service.AsConflict(err); ok {
			c.state = StateConflict
			c.conflict = &Conflict{Local: mutation, Remote: cloneTask(ce.Current)}
			c.log.WithFields(logrus.Fields{"expected": expected, "fields": mutation.Fields()}).Info("Write rejected, waiting for user to reconcile")
			return nil, err
		}
		c.state = StateReady
		return nil, err
	}
	c.task = task
	c.version = task.Version
	c.state = StateReady
	return cloneTask(task), nil
}

// Conflict 返回等待处理的冲突。
func (c *Coordinator) Conflict() (Conflict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conflict == nil {
		return Conflict{}, false
	}
	return Conflict{Local: c.conflict.Local, Remote: cloneTask(c.conflict.Remote)}, true
}

// Resolve 按用户的选择处理冲突，从不自动合并。
// Discard 采用服务端状态；Reapply 以最新版本重新提交本地修改，可能再次冲突。
func (c *Coordinator) Resolve(ctx context.Context, resolution Resolution) (*domain.Task, error) {
	c.mu.Lock()
	if c.state != StateConflict || c.conflict == nil {
		c.mu.Unlock()
		return nil, ErrNoConflict
	}
	pending := *c.conflict
	c.mu.Unlock()

	remote := pending.Remote
	if remote == nil {
		// 服务端没有随冲突返回状态时重新读取
		fresh, err := c.reader.GetTask(ctx, c.itemID)
		if err != nil {
			return nil, fmt.Errorf("refresh task %d: %w", c.itemID, err)
		}
		remote = fresh
	}

	c.mu.Lock()
	if c.state != StateConflict {
		c.mu.Unlock()
		return nil, ErrNoConflict
	}
	c.task = remote
	c.version = remote.Version
	c.conflict = nil

	switch resolution {
	case ResolutionDiscard:
		c.state = StateReady
		c.mu.Unlock()
		return cloneTask(remote), nil
	case ResolutionReapply:
		c.state = StateSubmitting
		expected := c.version
		c.mu.Unlock()
		return c.submit(ctx, pending.Local, expected)
	default:
		c.state = StateReady
		c.mu.Unlock()
		return nil, fmt.Errorf("unknown resolution %d", resolution)
	}
}

// Close 释放所有编辑声明并离开房间。发送失败不影响本地清理。
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateIdle {
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	fields := make([]string, 0, len(c.focused))
	for f, loop := range c.focused {
		close(loop.done)
		fields = append(fields, f)
	}
	c.focused = make(map[string]*focusLoop)
	c.mu.Unlock()
	c.wg.Wait()

	sort.Strings(fields)
	var errs []error
	for _, f := range fields {
		if err := c.transport.Send(ctx, dto.TypeEditingStop, dto.EditingRequest{ItemID: c.itemID, Field: f}); err != nil {
			errs = append(errs, fmt.Errorf("editing:stop %s: %w", f, err))
		}
	}
	if err := c.transport.Send(ctx, dto.TypePresenceLeave, dto.RoomRequest{RoomID: string(c.roomID)}); err != nil {
		errs = append(errs, fmt.Errorf("leave %s: %w", c.roomID, err))
	}
	return errors.Join(errs...)
}

// HandleEnvelope 处理服务端推送的消息，返回是否与本任务视图相关。
// 推送只作为提示：task:changed 不会替换版本令牌。
func (c *Coordinator) HandleEnvelope(env dto.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch env.Type {
	case dto.TypePresenceState:
		var p dto.PresenceStatePayload
		if env.DecodePayload(&p) != nil || p.RoomID != string(c.roomID) {
			return false
		}
		c.locks = make(map[string]dto.EditingPayload, len(p.Locks))
		for _, l := range p.Locks {
			if l.ItemID == c.itemID {
				c.locks[l.Field] = l
			}
		}
		c.cursors = make(map[uint]dto.CursorPayload, len(p.Cursors))
		for _, cur := range p.Cursors {
			c.cursors[cur.User.ID] = cur
		}
		c.idle = make(map[uint]struct{})
		return true

	case dto.TypeEditingStart, dto.TypeEditingStop:
		var p dto.EditingPayload
		if env.DecodePayload(&p) != nil || p.ItemID != c.itemID {
			return false
		}
		if env.Type == dto.TypeEditingStart {
			c.locks[p.Field] = p
			delete(c.idle, p.User.ID)
			return true
		}
		if cur, ok := c.locks[p.Field]; ok && cur.User.ID == p.User.ID {
			delete(c.locks, p.Field)
		}
		// 仍在编辑的字段被清理后重新声明，心跳本身不会恢复锁
		if loop, ok := c.focused[p.Field]; ok && p.Reason == dto.ReleaseReasonStale {
			select {
			case loop.reclaim <- struct{}{}:
			default:
			}
		}
		return true

	case dto.TypeCursorMove:
		var p dto.CursorPayload
		if env.DecodePayload(&p) != nil || p.RoomID != string(c.roomID) {
			return false
		}
		c.cursors[p.User.ID] = p
		delete(c.idle, p.User.ID)
		return true

	case dto.TypeCursorLeave:
		var p dto.CursorLeavePayload
		if env.DecodePayload(&p) != nil || p.RoomID != string(c.roomID) {
			return false
		}
		delete(c.cursors, p.UserID)
		if p.Idle {
			c.idle[p.UserID] = struct{}{}
		}
		return true

	case dto.TypePresenceLeft:
		var p dto.PresencePayload
		if env.DecodePayload(&p) != nil || p.RoomID != string(c.roomID) {
			return false
		}
		delete(c.cursors, p.User.ID)
		delete(c.idle, p.User.ID)
		return true

	case dto.TypeTaskChanged:
		var p dto.TaskChangedPayload
		if env.DecodePayload(&p) != nil || p.Task.ID != c.itemID {
			return false
		}
		if c.hint == nil || p.Task.Version > c.hint.Version {
			c.hint = cloneTask(&p.Task)
		}
		return true
	}
	return false
}

// State 返回当前状态。
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version 返回当前的版本令牌。
func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Task 返回最近一次成功读写得到的任务。
func (c *Coordinator) Task() *domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTask(c.task)
}

// StaleHint 返回比本地版本更新的 task:changed 提示，界面可据此提示用户刷新。
func (c *Coordinator) StaleHint() (*domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hint == nil || c.hint.Version <= c.version {
		return nil, false
	}
	return cloneTask(c.hint), true
}

// Locks 返回本任务各字段当前显示的编辑者。
func (c *Coordinator) Locks() []dto.EditingPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]dto.EditingPayload, 0, len(c.locks))
	for _, l := range c.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Cursors 返回需要渲染的其他用户光标，坐标为世界坐标。
func (c *Coordinator) Cursors() []dto.CursorPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]dto.CursorPayload, 0, len(c.cursors))
	for _, cur := range c.cursors {
		out = append(out, cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out
}

// Idle 返回光标已超时但尚未离开房间的用户，界面把他们显示为离开。
func (c *Coordinator) Idle() []uint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint, 0, len(c.idle))
	for id := range c.idle {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Coordinator) isOpen() bool {
	return c.state == StateReady || c.state == StateSubmitting || c.state == StateConflict
}

func cloneTask(t *domain.Task) *domain.Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.AssigneeID != nil {
		id := *t.AssigneeID
		cp.AssigneeID = &id
	}
	return &cp
}
