package services

import (
	"errors"
	"fmt"

	"remedy/internal/metrics"
	"remedy/internal/models"

	"gorm.io/gorm"
)

// 工单状态机合法迁移表；closed 可由任意非 closed 状态到达
var ticketTransitions = map[models.TicketStatus][]models.TicketStatus{
	models.TicketNew:              {models.TicketAnalyzing},
	models.TicketAnalyzing:        {models.TicketDiagnosing, models.TicketManualQueue},
	models.TicketDiagnosing:       {models.TicketInProgress, models.TicketAwaitingApproval},
	models.TicketAwaitingApproval: {models.TicketInProgress, models.TicketManualQueue},
	models.TicketInProgress:       {models.TicketResolved, models.TicketFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.TicketStatus) bool {
	if to == models.TicketClosed {
		return from != models.TicketClosed
	}
	for _, next := range ticketTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// 人工干预边：不在自动流水线的合法迁移表里，只能由具名操作者触发
var ticketOverrides = map[models.TicketStatus][]models.TicketStatus{
	models.TicketFailed: {models.TicketInProgress},
}

// CanOverride reports whether an operator may move a ticket from -> to outside the pipeline edges.
func CanOverride(from, to models.TicketStatus) bool {
	for _, next := range ticketOverrides[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine 在事务内执行工单状态迁移并写入审计
type StateMachine struct {
	audit   *AuditService
	metrics *metrics.Metrics
}

func NewStateMachine(audit *AuditService, m *metrics.Metrics) *StateMachine {
	return &StateMachine{audit: audit, metrics: m}
}

// TransitionWithDB moves ticket to status `to` inside tx. The update is conditional on the
// status the caller observed; a concurrent change yields ErrStaleTicket. ticket is reloaded.
func (m *StateMachine) TransitionWithDB(tx *gorm.DB, ticket *models.Ticket, to models.TicketStatus, actor, reason string, updates map[string]interface{}) (*models.AuditLog, error) {
	if ticket.Status == models.TicketClosed {
		return nil, ErrTicketClosed
	}
	if !CanTransition(ticket.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ticket.Status, to)
	}
	return m.apply(tx, ticket, to, actor, reason, updates, false)
}

// OverrideWithDB applies an operator edge (see CanOverride). The system actor may not use it.
func (m *StateMachine) OverrideWithDB(tx *gorm.DB, ticket *models.Ticket, to models.TicketStatus, actor, reason string, updates map[string]interface{}) (*models.AuditLog, error) {
	if actor == "" || actor == models.ActorSystem {
		return nil, ErrUnauthorizedActor
	}
	if ticket.Status == models.TicketClosed {
		return nil, ErrTicketClosed
	}
	if !CanOverride(ticket.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ticket.Status, to)
	}
	return m.apply(tx, ticket, to, actor, reason, updates, true)
}

func (m *StateMachine) apply(tx *gorm.DB, ticket *models.Ticket, to models.TicketStatus, actor, reason string, updates map[string]interface{}, override bool) (*models.AuditLog, error) {
	from := ticket.Status
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	res := tx.Model(&models.Ticket{}).Where("id = ? AND status = ?", ticket.ID, from).Updates(values)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to update ticket status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: ticket %d no longer %s", ErrStaleTicket, ticket.ID, from)
	}
	if err := tx.First(ticket, ticket.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload ticket: %w", err)
	}

	detail := map[string]interface{}{"from": from, "to": to}
	if reason != "" {
		detail["reason"] = reason
	}
	if override {
		detail["override"] = true
	}
	entry, err := m.audit.RecordWithDB(tx, AuditEntry{
		Actor:      actor,
		Action:     AuditTicketTransition,
		EntityType: "ticket",
		EntityID:   ticket.ID,
		TicketID:   ticket.ID,
		Detail:     detail,
	})
	if err != nil {
		return nil, err
	}
	m.metrics.Transition(string(from), string(to))
	return entry, nil
}

func isStateConflict(err error) bool {
	return errors.Is(err, ErrStaleTicket) || errors.Is(err, ErrTicketClosed) || errors.Is(err, ErrInvalidTransition)
}
