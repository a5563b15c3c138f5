package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"remedy/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actions written by the pipeline.
const (
	AuditTicketCreated      = "ticket.created"
	AuditTicketTransition   = "ticket.transition"
	AuditTicketClassified   = "ticket.classified"
	AuditExecutionCreated   = "execution.created"
	AuditExecutionAttempt   = "execution.attempt"
	AuditExecutionRollback  = "execution.rollback"
	AuditExecutionCancelled = "execution.cancelled"
	AuditExecutionRetried   = "execution.retried"
	AuditApprovalRequested  = "approval.requested"
	AuditApprovalApproved   = "approval.approved"
	AuditApprovalRejected   = "approval.rejected"
	AuditPolicyUpdated      = "policy.updated"
	AuditNotificationFailed = "notification.failed"
)

// AuditEntry 审计记录输入
type AuditEntry struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   uint
	TicketID   uint
	Detail     interface{}
}

// AuditSink receives committed audit entries (websocket stream, event bus).
type AuditSink interface {
	PublishAudit(ctx context.Context, entry models.AuditLog) error
}

// AuditListRequest 审计查询
type AuditListRequest struct {
	Page       int    `form:"page,default=1"`
	PageSize   int    `form:"page_size,default=50"`
	TicketID   uint   `form:"ticket_id"`
	Action     string `form:"action"`
	Actor      string `form:"actor"`
	EntityType string `form:"entity_type"`
}

// AuditService 只追加的审计日志
type AuditService struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time

	mu    sync.RWMutex
	sinks []AuditSink
}

func NewAuditService(db *gorm.DB, logger *logrus.Logger) *AuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditService{db: db, logger: logger, now: time.Now}
}

// AddSink registers a sink for committed entries.
func (s *AuditService) AddSink(sink AuditSink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// RecordWithDB 在调用方事务内写入审计，提交后需调用 Publish
func (s *AuditService) RecordWithDB(tx *gorm.DB, e AuditEntry) (*models.AuditLog, error) {
	entry := &models.AuditLog{
		Actor:      e.Actor,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		TicketID:   e.TicketID,
		Timestamp:  s.now().UTC(),
	}
	if entry.Actor == "" {
		entry.Actor = models.ActorSystem
	}
	if e.Detail != nil {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return nil, fmt.Errorf("marshal audit detail: %w", err)
		}
		entry.Detail = datatypes.JSON(raw)
	}
	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to write audit log: %w", err)
	}
	return entry, nil
}

// Record 写入审计并立即分发
func (s *AuditService) Record(ctx context.Context, e AuditEntry) error {
	entry, err := s.RecordWithDB(s.db.WithContext(ctx), e)
	if err != nil {
		return err
	}
	s.Publish(ctx, entry)
	return nil
}

// Publish fans committed entries out to sinks. Sink failures are logged only.
func (s *AuditService) Publish(ctx context.Context, entries ...*models.AuditLog) {
	s.mu.RLock()
	sinks := append([]AuditSink(nil), s.sinks...)
	s.mu.RUnlock()
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		for _, sink := range sinks {
			if err := sink.PublishAudit(ctx, *entry); err != nil {
				s.logger.WithError(err).WithField("action", entry.Action).Warn("audit sink publish failed")
			}
		}
	}
}

// List 查询审计日志，按时间倒序
func (s *AuditService) List(ctx context.Context, req *AuditListRequest) ([]models.AuditLog, int64, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 200 {
		req.PageSize = 50
	}

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if req.TicketID != 0 {
		query = query.Where("ticket_id = ?", req.TicketID)
	}
	if req.Action != "" {
		query = query.Where("action = ?", req.Action)
	}
	if req.Actor != "" {
		query = query.Where("actor = ?", req.Actor)
	}
	if req.EntityType != "" {
		query = query.Where("entity_type = ?", req.EntityType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	var logs []models.AuditLog
	err := query.Order("timestamp DESC, id DESC").
		Offset((req.Page - 1) * req.PageSize).
		Limit(req.PageSize).
		Find(&logs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	return logs, total, nil
}

// ForTicket returns a ticket's audit trail in write order.
func (s *AuditService) ForTicket(ctx context.Context, ticketID uint) ([]models.AuditLog, error) {
	var logs []models.AuditLog
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to load ticket audit: %w", err)
	}
	return logs, nil
}

// EventProducer is the slice of the event bus producer the audit sink needs.
type EventProducer interface {
	Send(ctx context.Context, key string, value interface{}) error
}

// EventAuditSink 将审计事件转发到事件总线（Kafka）
type EventAuditSink struct {
	producer EventProducer
}

func NewEventAuditSink(producer EventProducer) *EventAuditSink {
	return &EventAuditSink{producer: producer}
}

func (s *EventAuditSink) PublishAudit(ctx context.Context, entry models.AuditLog) error {
	return s.producer.Send(ctx, fmt.Sprintf("ticket-%d", entry.TicketID), entry)
}
