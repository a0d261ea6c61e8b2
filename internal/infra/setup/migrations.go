package setup

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"collaborative-kanban/internal/domain"
)

// MigrateDB 迁移所有表结构。
// 模型上的 size 标签保证唯一索引列在 MySQL 下不超过索引长度限制。
func MigrateDB(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("cannot migrate database with nil DB connection")
	}

	if err := db.AutoMigrate(
		&domain.User{},
		&domain.Project{},
		&domain.Task{},
		&domain.ConflictLog{},
	); err != nil {
		logrus.WithError(err).Error("Failed to auto-migrate tables")
		return fmt.Errorf("failed to auto-migrate tables: %w", err)
	}

	logrus.Info("Database migration completed successfully")
	return nil
}
