package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
	"collaborative-kanban/internal/service"
)

const wsWriteWait = 10 * time.Second

// ErrTransportClosed 表示连接已经关闭。
var ErrTransportClosed = errors.New("websocket transport closed")

// WSTransport 是基于 gorilla/websocket 的客户端连接，实现 Transport 和 TaskWriter。
// 一个连接可以被多个 Coordinator 共享。
type WSTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan dto.TaskUpdateResult

	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

// DialWS 连接到 wsURL（例如 ws://localhost:8080/ws），token 通过查询参数传递。
func DialWS(ctx context.Context, wsURL, token string) (*WSTransport, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return NewWSTransport(conn), nil
}

// NewWSTransport 包装一个已建立的连接。
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{
		conn:    conn,
		pending: make(map[string]chan dto.TaskUpdateResult),
		done:    make(chan struct{}),
		log:     logrus.WithField("component", "ws_transport"),
	}
}

// Send 编码并写出一帧。
func (t *WSTransport) Send(ctx context.Context, msgType string, payload interface{}) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	frame, err := dto.Encode(msgType, payload)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", msgType, err)
	}
	return nil
}

// Run 持续读取服务端推送，直到连接断开或 ctx 结束。
// task:update:result 交给等待中的 UpdateTask，其余消息交给 handler。
func (t *WSTransport) Run(ctx context.Context, handler func(dto.Envelope)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-stop:
		}
	}()
	defer func() { _ = t.Close() }()

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		env, err := dto.Decode(data)
		if err != nil {
			t.log.WithError(err).Debug("Dropping malformed frame")
			continue
		}
		if env.Type == dto.TypeTaskUpdateResult {
			t.deliverResult(env)
			continue
		}
		if handler != nil {
			handler(env)
		}
	}
}

func (t *WSTransport) deliverResult(env dto.Envelope) {
	var result dto.TaskUpdateResult
	if err := env.DecodePayload(&result); err != nil {
		t.log.WithError(err).Warn("Invalid task:update:result")
		return
	}
	t.pendingMu.Lock()
	ch, ok := t.pending[result.RequestID]
	delete(t.pending, result.RequestID)
	t.pendingMu.Unlock()
	if !ok {
		t.log.WithField("request_id", result.RequestID).Debug("No waiter for task:update:result")
		return
	}
	ch <- result
}

// UpdateTask 通过 task:update 提交写入并等待对应的结果。
func (t *WSTransport) UpdateTask(ctx context.Context, taskID uint, mutation domain.TaskMutation, expectedVersion *uint64) (*domain.Task, error) {
	reqID := uuid.NewString()
	ch := make(chan dto.TaskUpdateResult, 1)
	t.pendingMu.Lock()
	t.pending[reqID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, reqID)
		t.pendingMu.Unlock()
	}()

	req := dto.TaskUpdateRequest{RequestID: reqID, ItemID: taskID, Mutation: mutation, ExpectedVersion: expectedVersion}
	if err := t.Send(ctx, dto.TypeTaskUpdate, req); err != nil {
		return nil, err
	}

	select {
	case result := <-ch:
		return resultToTask(taskID, expectedVersion, result)
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func resultToTask(taskID uint, expected *uint64, result dto.TaskUpdateResult) (*domain.Task, error) {
	switch {
	case result.OK && result.Task != nil:
		return result.Task, nil
	case result.Conflict:
		ce := &service.ConflictError{TaskID: taskID, Current: result.Current}
		if expected != nil {
			ce.Expected = *expected
		}
		return nil, ce
	default:
		msg := result.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("task %d update rejected: %s", taskID, msg)
	}
}

// Close 发送关闭帧并断开连接。可重复调用。
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		close(t.done)
		err = t.conn.Close()
	})
	return err
}
