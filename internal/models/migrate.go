package models

import (
	"fmt"

	"gorm.io/gorm"
)

// inflightExecutionIndex allows at most one pending or running execution per ticket.
const inflightExecutionIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_inflight
ON automation_executions (ticket_id) WHERE status IN ('pending', 'running')`

// Migrate 自动迁移所有模型并创建部分唯一索引（Postgres 与 SQLite 均支持）
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec(inflightExecutionIndex).Error; err != nil {
		return fmt.Errorf("create inflight index: %w", err)
	}
	return nil
}
