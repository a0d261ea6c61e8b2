package hub

import "collaborative-kanban/internal/domain"

// Peer 是 Hub 眼中的一个连接。Send 必须是非阻塞的，缓冲区满时返回 false。
type Peer interface {
	ConnID() string
	User() domain.PresenceUser
	Send(frame []byte) bool
	Close()
}
