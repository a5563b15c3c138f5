package models

import (
	"time"

	"gorm.io/datatypes"
)

// ExecutionStatus 自动化执行状态
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionSucceeded  ExecutionStatus = "succeeded"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionRolledBack ExecutionStatus = "rolled_back"
)

// Terminal reports whether the execution has finished.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionSucceeded || s == ExecutionFailed || s == ExecutionRolledBack
}

// AutomationExecution 一次修复动作的执行记录
type AutomationExecution struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	TicketID       uint            `gorm:"index;not null" json:"ticket_id"`
	ActionType     string          `gorm:"size:64;not null" json:"action_type"`
	Adapter        string          `gorm:"size:64" json:"adapter"`
	Parameters     datatypes.JSON  `json:"parameters,omitempty"`
	Status         ExecutionStatus `gorm:"index;size:16;default:'pending'" json:"status"`
	AttemptCount   int             `gorm:"default:0" json:"attempt_count"`
	MaxAttempts    int             `gorm:"default:1" json:"max_attempts"`
	IdempotencyKey string          `gorm:"size:64;index" json:"idempotency_key"`
	BeforeState    datatypes.JSON  `json:"before_state,omitempty"`
	AfterState     datatypes.JSON  `json:"after_state,omitempty"`
	Output         string          `gorm:"type:text" json:"output,omitempty"`
	ErrorMessage   string          `gorm:"type:text" json:"error_message,omitempty"`
	Degraded       bool            `gorm:"default:false" json:"degraded"`
	// Superseded marks a failed execution replaced by a manual re-run.
	Superseded     bool            `gorm:"default:false;index" json:"superseded"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	DurationMs     int64           `json:"duration_ms"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ApprovalStatus 审批状态
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	// ApprovalExpired is reserved; nothing in the service expires requests.
	ApprovalExpired ApprovalStatus = "expired"
)

// ApprovalRequest 高风险动作的人工审批
type ApprovalRequest struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	TicketID          uint           `gorm:"index;not null" json:"ticket_id"`
	ExecutionID       *uint          `gorm:"index" json:"execution_id"`
	ActionType        string         `gorm:"size:64;not null" json:"action_type"`
	RiskLevel         RiskLevel      `gorm:"size:16" json:"risk_level"`
	RequestedCategory Category       `gorm:"size:32" json:"requested_category"`
	Reason            string         `gorm:"type:text" json:"reason"`
	Status            ApprovalStatus `gorm:"index;size:16;default:'pending'" json:"status"`
	DecidedBy         string         `gorm:"size:128" json:"decided_by,omitempty"`
	DecidedAt         *time.Time     `json:"decided_at"`
	Comment           string         `gorm:"type:text" json:"comment,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`

	Ticket *Ticket `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
}

// AutomationPolicy 每个分类的自动化策略
type AutomationPolicy struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Category       Category  `gorm:"uniqueIndex;size:32;not null" json:"category"`
	RiskThreshold  RiskLevel `gorm:"size:16;not null" json:"risk_threshold"`
	AutoApprove    bool      `json:"auto_approve"`
	MaxRetries     int       `gorm:"default:1" json:"max_retries"`
	TimeoutSeconds int       `gorm:"default:300" json:"timeout_seconds"`
	Active         bool      `json:"active"`
	Description    string    `gorm:"type:text" json:"description"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Timeout returns the per-attempt deadline, falling back to fallback when unset.
func (p *AutomationPolicy) Timeout(fallback time.Duration) time.Duration {
	if p == nil || p.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Attempts is the total number of apply attempts the policy allows (at least one).
func (p *AutomationPolicy) Attempts() int {
	if p == nil || p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}
