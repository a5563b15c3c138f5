package models

import (
	"time"

	"gorm.io/datatypes"
)

// Category 工单意图分类（封闭枚举）
type Category string

const (
	CategoryPasswordReset    Category = "password_reset"
	CategoryAccountUnlock    Category = "account_unlock"
	CategoryVPNIssue         Category = "vpn_issue"
	CategoryDeviceCompliance Category = "device_compliance"
	CategoryAccessRequest    Category = "access_request"
	CategoryUnclassified     Category = "unclassified"
)

// Categories lists every automatable category in tie-break order.
var Categories = []Category{
	CategoryAccountUnlock,
	CategoryAccessRequest,
	CategoryPasswordReset,
	CategoryVPNIssue,
	CategoryDeviceCompliance,
}

// Valid reports whether c is a member of the enumeration.
func (c Category) Valid() bool {
	switch c {
	case CategoryPasswordReset, CategoryAccountUnlock, CategoryVPNIssue,
		CategoryDeviceCompliance, CategoryAccessRequest, CategoryUnclassified:
		return true
	}
	return false
}

// RiskLevel 风险等级，有序：low < medium < high < critical
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank returns the ordinal of the level; unknown levels rank above critical
// so that a malformed threshold never lets a plan through unreviewed.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 5
}

// AtLeast reports whether r >= other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.Rank() >= other.Rank()
}

// Priority 工单优先级
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities for queue leasing, higher first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	}
	return 2
}

// TicketStatus 工单状态
type TicketStatus string

const (
	TicketNew              TicketStatus = "new"
	TicketAnalyzing        TicketStatus = "analyzing"
	TicketDiagnosing       TicketStatus = "diagnosing"
	TicketAwaitingApproval TicketStatus = "awaiting_approval"
	TicketInProgress       TicketStatus = "in_progress"
	TicketResolved         TicketStatus = "resolved"
	TicketFailed           TicketStatus = "failed"
	TicketManualQueue      TicketStatus = "manual_queue"
	TicketClosed           TicketStatus = "closed"
)

// 工单
type Ticket struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	TicketNumber     string         `gorm:"uniqueIndex;size:32;not null" json:"ticket_number"`
	Subject          string         `gorm:"not null" json:"subject"`
	Description      string         `gorm:"type:text" json:"description"`
	RequesterEmail   string         `gorm:"index;not null" json:"requester_email"`
	RequesterName    string         `json:"requester_name"`
	AffectedUser     string         `json:"affected_user"`
	Category         Category       `gorm:"index;size:32" json:"category"`
	Confidence       float64        `json:"confidence"`
	Priority         Priority       `gorm:"size:16;default:'medium'" json:"priority"`
	Status           TicketStatus   `gorm:"index;size:32;default:'new'" json:"status"`
	AutoResolved     bool           `gorm:"default:false" json:"auto_resolved"`
	RequiresApproval bool           `gorm:"default:false" json:"requires_approval"`
	RetryCount       int            `gorm:"default:0" json:"retry_count"` // 人工重跑次数
	Entities         datatypes.JSON `json:"entities,omitempty"`
	Plan             datatypes.JSON `json:"plan,omitempty"`
	ErrorMessage     string         `gorm:"type:text" json:"error_message,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at"`
	ClosedAt         *time.Time     `json:"closed_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Terminal reports whether no further pipeline work may run for the ticket.
func (t *Ticket) Terminal() bool {
	switch t.Status {
	case TicketResolved, TicketFailed, TicketManualQueue, TicketClosed:
		return true
	}
	return false
}
