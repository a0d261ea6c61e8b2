package domain

import (
	"strings"
	"time"
)

// ConflictLog 记录一次被拒绝的并发写入，供用户和运维回溯。
type ConflictLog struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	TaskID          uint      `gorm:"index;not null" json:"taskId"`
	UserID          uint      `gorm:"index;not null" json:"userId"`
	ExpectedVersion uint64    `gorm:"not null" json:"expectedVersion"`
	CurrentVersion  uint64    `gorm:"not null" json:"currentVersion"`
	Fields          string    `gorm:"type:varchar(255)" json:"fields"` // 逗号分隔
	DetectedAt      time.Time `gorm:"index;not null" json:"detectedAt"`
}

// FieldList 返回冲突涉及的字段。
func (c ConflictLog) FieldList() []string {
	if c.Fields == "" {
		return nil
	}
	return strings.Split(c.Fields, ",")
}
