package models

import (
	"time"

	"gorm.io/datatypes"
)

// ActorSystem marks entries written by the pipeline itself.
const ActorSystem = "system"

// AuditLog 审计日志，只追加
type AuditLog struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Actor      string         `gorm:"size:128;not null;index" json:"actor"`
	Action     string         `gorm:"size:64;not null;index" json:"action"`
	EntityType string         `gorm:"size:32;not null" json:"entity_type"`
	EntityID   uint           `gorm:"index" json:"entity_id"`
	TicketID   uint           `gorm:"index" json:"ticket_id"`
	Timestamp  time.Time      `gorm:"index;not null" json:"timestamp"`
	Detail     datatypes.JSON `json:"detail,omitempty"`
}

// WorkItemStatus 队列项状态
type WorkItemStatus string

const (
	WorkQueued WorkItemStatus = "queued"
	WorkLeased WorkItemStatus = "leased"
	WorkDone   WorkItemStatus = "done"
	WorkDead   WorkItemStatus = "dead"
)

// WorkItem 持久化工作队列中的一项（一次流水线任务）
type WorkItem struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	TicketID       uint           `gorm:"index;not null" json:"ticket_id"`
	Reason         string         `gorm:"size:32" json:"reason"` // intake, approved, requeue, retry
	Status         WorkItemStatus `gorm:"index;size:16;default:'queued'" json:"status"`
	PriorityRank   int            `gorm:"index" json:"priority_rank"`
	Attempts       int            `gorm:"default:0" json:"attempts"`
	LeaseOwner     string         `gorm:"size:64" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at"`
	AvailableAt    time.Time      `gorm:"index" json:"available_at"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AllModels lists every persisted model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Ticket{},
		&AutomationExecution{},
		&ApprovalRequest{},
		&AutomationPolicy{},
		&AuditLog{},
		&WorkItem{},
	}
}
