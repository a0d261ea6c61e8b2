package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-kanban/internal/domain"
)

const sendBufferSize = 256

// Client 代表一个连接到 Hub 的 WebSocket 客户端，实现 Peer。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string
	user   domain.PresenceUser
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once
	log       *logrus.Entry
}

// NewClient 创建一个新的 Client 实例，连接 ID 为随机 UUID。
func NewClient(hub *Hub, conn *websocket.Conn, user domain.PresenceUser) *Client {
	connID := uuid.NewString()
	return &Client{
		hub:    hub,
		conn:   conn,
		connID: connID,
		user:   user,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		log:    logrus.WithFields(logrus.Fields{"component": "ws_client", "conn_id": connID, "user_id": user.ID}),
	}
}

func (c *Client) ConnID() string            { return c.connID }
func (c *Client) User() domain.PresenceUser { return c.user }

// Send 非阻塞地把一帧放入发送队列。连接已关闭或队列满时返回 false。
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close 通知 WritePump 发送关闭帧并退出。可重复调用。
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 把 WebSocket 上收到的帧交给 Hub，连接断开时注销自己。
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c.connID)
		c.Close()
		_ = c.conn.Close()
		c.log.Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed normally or read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.log.Debugf("Received non-text message type: %d", messageType)
			continue
		}
		c.hub.HandleFrame(c.connID, message)
	}
}

// WritePump 把发送队列中的帧写到 WebSocket 连接，并定期发送 Ping。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.log.Debug("writePump exited")
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message to websocket")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Warn("Failed to send ping message")
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
