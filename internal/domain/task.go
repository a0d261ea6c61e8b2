package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Task 是被多人协作编辑的任务，Version 每次成功写入后严格递增。
type Task struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProjectID   uint      `gorm:"index;not null" json:"projectId"`
	Reference   string    `gorm:"type:varchar(64);index" json:"reference,omitempty"` // 例如 "KANBU-123"
	Title       string    `gorm:"type:varchar(255);not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Status      string    `gorm:"type:varchar(32);not null" json:"status"`
	Priority    int       `gorm:"not null;default:0" json:"priority"`
	AssigneeID  *uint     `gorm:"index" json:"assigneeId,omitempty"`
	Version     uint64    `gorm:"not null" json:"version"`
	CreatorID   uint      `gorm:"index;not null" json:"creatorId"`
	UpdatedBy   uint      `gorm:"not null;default:0" json:"updatedBy"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// 任务字段名，同时也是编辑软锁使用的字段标识。
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldStatus      = "status"
	FieldPriority    = "priority"
	FieldAssignee    = "assignee"
)

// DefaultTaskStatus 新建任务的初始状态。
const DefaultTaskStatus = "todo"

const (
	maxTitleLength       = 255
	maxDescriptionLength = 65535
	maxStatusLength      = 32
)

// ErrEmptyMutation 表示修改请求中没有任何字段。
var ErrEmptyMutation = errors.New("mutation has no fields")

// TaskMutation 描述对任务的一次部分更新，nil 字段表示不修改。
type TaskMutation struct {
	Title         *string `json:"title,omitempty"`
	Description   *string `json:"description,omitempty"`
	Status        *string `json:"status,omitempty"`
	Priority      *int    `json:"priority,omitempty"`
	AssigneeID    *uint   `json:"assigneeId,omitempty"`
	ClearAssignee bool    `json:"clearAssignee,omitempty"`
}

// IsEmpty 判断修改是否为空。
func (m TaskMutation) IsEmpty() bool {
	return len(m.Fields()) == 0
}

// Fields 返回本次修改涉及的字段名（已排序）。
func (m TaskMutation) Fields() []string {
	fields := make([]string, 0, 5)
	if m.Title != nil {
		fields = append(fields, FieldTitle)
	}
	if m.Description != nil {
		fields = append(fields, FieldDescription)
	}
	if m.Status != nil {
		fields = append(fields, FieldStatus)
	}
	if m.Priority != nil {
		fields = append(fields, FieldPriority)
	}
	if m.AssigneeID != nil || m.ClearAssignee {
		fields = append(fields, FieldAssignee)
	}
	sort.Strings(fields)
	return fields
}

// Validate 校验修改内容。
func (m TaskMutation) Validate() error {
	if m.IsEmpty() {
		return ErrEmptyMutation
	}
	if m.Title != nil {
		title := strings.TrimSpace(*m.Title)
		if title == "" {
			return fmt.Errorf("title cannot be empty")
		}
		if len(title) > maxTitleLength {
			return fmt.Errorf("title exceeds %d characters", maxTitleLength)
		}
	}
	if m.Description != nil && len(*m.Description) > maxDescriptionLength {
		return fmt.Errorf("description exceeds %d bytes", maxDescriptionLength)
	}
	if m.Status != nil {
		status := strings.TrimSpace(*m.Status)
		if status == "" || len(status) > maxStatusLength {
			return fmt.Errorf("status must be 1-%d characters", maxStatusLength)
		}
	}
	if m.AssigneeID != nil && m.ClearAssignee {
		return fmt.Errorf("assigneeId and clearAssignee are mutually exclusive")
	}
	return nil
}

// Columns 返回需要写入数据库的列，键为列名。
func (m TaskMutation) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if m.Title != nil {
		cols["title"] = strings.TrimSpace(*m.Title)
	}
	if m.Description != nil {
		cols["description"] = *m.Description
	}
	if m.Status != nil {
		cols["status"] = strings.TrimSpace(*m.Status)
	}
	if m.Priority != nil {
		cols["priority"] = *m.Priority
	}
	if m.AssigneeID != nil {
		cols["assignee_id"] = *m.AssigneeID
	} else if m.ClearAssignee {
		cols["assignee_id"] = nil
	}
	return cols
}

// ApplyTo 把修改应用到内存中的任务副本，不改变版本号。
func (m TaskMutation) ApplyTo(t *Task) {
	if m.Title != nil {
		t.Title = strings.TrimSpace(*m.Title)
	}
	if m.Description != nil {
		t.Description = *m.Description
	}
	if m.Status != nil {
		t.Status = strings.TrimSpace(*m.Status)
	}
	if m.Priority != nil {
		t.Priority = *m.Priority
	}
	if m.AssigneeID != nil {
		id := *m.AssigneeID
		t.AssigneeID = &id
	} else if m.ClearAssignee {
		t.AssigneeID = nil
	}
}
