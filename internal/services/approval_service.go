package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remedy/internal/metrics"
	"remedy/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ApprovalListRequest 审批列表请求
type ApprovalListRequest struct {
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
	Status   string `form:"status"`
	TicketID uint   `form:"ticket_id"`
}

// ApprovalService 审批服务：决定高风险动作是否执行
type ApprovalService struct {
	db      *gorm.DB
	logger  *logrus.Logger
	tracer  trace.Tracer
	audit   *AuditService
	queue   *WorkQueue
	locks   *TicketLocks
	states  *StateMachine
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewApprovalService(db *gorm.DB, logger *logrus.Logger, audit *AuditService, queue *WorkQueue, locks *TicketLocks, states *StateMachine, m *metrics.Metrics) *ApprovalService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ApprovalService{
		db:      db,
		logger:  logger,
		tracer:  otel.Tracer("remedy.approval"),
		audit:   audit,
		queue:   queue,
		locks:   locks,
		states:  states,
		metrics: m,
		now:     time.Now,
	}
}

// RequestWithDB 在流水线事务中创建待审批记录
func (s *ApprovalService) RequestWithDB(tx *gorm.DB, ticket *models.Ticket, plan *Plan, reason string) (*models.ApprovalRequest, *models.AuditLog, error) {
	req := &models.ApprovalRequest{
		TicketID:          ticket.ID,
		ActionType:        plan.ActionType,
		RiskLevel:         plan.RiskLevel,
		RequestedCategory: plan.Category,
		Reason:            reason,
		Status:            models.ApprovalPending,
	}
	if err := tx.Create(req).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create approval request: %w", err)
	}
	entry, err := s.audit.RecordWithDB(tx, AuditEntry{
		Action:     AuditApprovalRequested,
		EntityType: "approval",
		EntityID:   req.ID,
		TicketID:   ticket.ID,
		Detail: map[string]interface{}{
			"action":     plan.ActionType,
			"risk_level": plan.RiskLevel,
			"reason":     reason,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return req, entry, nil
}

// Approve 批准：记录决定并重新入队，由工作者执行
func (s *ApprovalService) Approve(ctx context.Context, id uint, actor, comment string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, actor, comment, models.ApprovalApproved)
}

// Reject 拒绝：工单转入人工队列，不创建执行
func (s *ApprovalService) Reject(ctx context.Context, id uint, actor, comment string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, id, actor, comment, models.ApprovalRejected)
}

func (s *ApprovalService) decide(ctx context.Context, id uint, actor, comment string, decision models.ApprovalStatus) (*models.ApprovalRequest, error) {
	ctx, span := s.tracer.Start(ctx, "approval.decide")
	defer span.End()
	span.SetAttributes(attribute.Int64("approval.id", int64(id)), attribute.String("approval.decision", string(decision)))

	if actor == "" || actor == models.ActorSystem {
		return nil, ErrUnauthorizedActor
	}

	approval, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.ApprovalPending {
		return approval, fmt.Errorf("%w: request %d is %s", ErrApprovalConflict, id, approval.Status)
	}

	unlock := s.locks.Lock(approval.TicketID)
	defer unlock()

	var entries []*models.AuditLog
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ticket models.Ticket
		if err := tx.First(&ticket, approval.TicketID).Error; err != nil {
			return fmt.Errorf("failed to load ticket: %w", err)
		}
		if ticket.Status == models.TicketClosed {
			return ErrTicketClosed
		}

		now := s.now()
		res := tx.Model(&models.ApprovalRequest{}).
			Where("id = ? AND status = ?", id, models.ApprovalPending).
			Updates(map[string]interface{}{
				"status":     decision,
				"decided_by": actor,
				"decided_at": now,
				"comment":    comment,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to record decision: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrApprovalConflict
		}

		action := AuditApprovalApproved
		if decision == models.ApprovalRejected {
			action = AuditApprovalRejected
		}
		entry, err := s.audit.RecordWithDB(tx, AuditEntry{
			Actor:      actor,
			Action:     action,
			EntityType: "approval",
			EntityID:   id,
			TicketID:   ticket.ID,
			Detail:     map[string]interface{}{"comment": comment, "action": approval.ActionType},
		})
		if err != nil {
			return err
		}
		entries = append(entries, entry)

		if decision == models.ApprovalApproved {
			_, err := s.queue.EnqueueWithDB(tx, ticket.ID, ticket.Priority, ReasonApproved)
			return err
		}
		if ticket.Status != models.TicketAwaitingApproval {
			return nil
		}
		entry, err = s.states.TransitionWithDB(tx, &ticket, models.TicketManualQueue, actor, "approval rejected", map[string]interface{}{
			"error_message": "approval rejected by " + actor,
		})
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrApprovalConflict) {
			return nil, fmt.Errorf("%w: request %d", ErrApprovalConflict, id)
		}
		return nil, err
	}

	s.audit.Publish(ctx, entries...)
	s.metrics.ApprovalDecided(string(decision))
	s.logger.Infof("Approval %d for ticket %d %s by %s", id, approval.TicketID, decision, actor)
	return s.Get(ctx, id)
}

// Get 获取审批请求
func (s *ApprovalService) Get(ctx context.Context, id uint) (*models.ApprovalRequest, error) {
	var approval models.ApprovalRequest
	err := s.db.WithContext(ctx).First(&approval, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	return &approval, nil
}

// LatestForTicket returns the most recent approval request for the ticket.
func (s *ApprovalService) LatestForTicket(ctx context.Context, ticketID uint) (*models.ApprovalRequest, error) {
	var approval models.ApprovalRequest
	err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("id DESC").First(&approval).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	return &approval, nil
}

// List 审批列表
func (s *ApprovalService) List(ctx context.Context, req *ApprovalListRequest) ([]models.ApprovalRequest, int64, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}
	query := s.db.WithContext(ctx).Model(&models.ApprovalRequest{})
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}
	if req.TicketID != 0 {
		query = query.Where("ticket_id = ?", req.TicketID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count approvals: %w", err)
	}
	var approvals []models.ApprovalRequest
	err := query.Preload("Ticket").
		Order("created_at DESC, id DESC").
		Offset((req.Page - 1) * req.PageSize).
		Limit(req.PageSize).
		Find(&approvals).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list approvals: %w", err)
	}
	return approvals, total, nil
}

// PendingCount 待审批数量
func (s *ApprovalService) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ApprovalRequest{}).Where("status = ?", models.ApprovalPending).Count(&n).Error
	return n, err
}
