package domain

import "time"

// Project 表示一个看板项目，仅保存协作层需要的最少字段。
type Project struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(191);not null" json:"name"`
	CreatorID uint      `gorm:"index;not null" json:"creatorId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}
