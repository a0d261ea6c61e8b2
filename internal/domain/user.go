// Package domain 定义了协作看板中使用的核心数据结构。
package domain

import "time"

// User 表示应用程序中的用户。
type User struct {
	ID          uint      `gorm:"primaryKey"`
	Username    string    `gorm:"type:varchar(191);uniqueIndex:idx_username;not null"`
	Password    string    `gorm:"type:text;not null"` // bcrypt 哈希
	Email       string    `gorm:"type:varchar(191);uniqueIndex:idx_email"`
	DisplayName string    `gorm:"type:varchar(191)"`
	AvatarURL   string    `gorm:"type:varchar(512)"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// PresenceUser 是广播给房间其他成员的用户公开信息。
type PresenceUser struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar,omitempty"`
}

// Presence 返回用户的公开展示信息，DisplayName 为空时回退到用户名。
func (u *User) Presence() PresenceUser {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return PresenceUser{
		ID:       u.ID,
		Username: u.Username,
		Name:     name,
		Avatar:   u.AvatarURL,
	}
}
