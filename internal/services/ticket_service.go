package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"remedy/internal/config"
	"remedy/internal/metrics"
	"remedy/internal/models"
	"remedy/pkg/utils"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const abandonedExecution = "abandoned: worker lost its lease"

// TicketCreateRequest 创建工单请求
type TicketCreateRequest struct {
	Subject        string `json:"subject" binding:"required,max=255"`
	Description    string `json:"description" binding:"required"`
	RequesterEmail string `json:"requester_email" binding:"required,email"`
	RequesterName  string `json:"requester_name"`
}

// TicketListRequest 工单列表请求
type TicketListRequest struct {
	Page      int      `form:"page,default=1"`
	PageSize  int      `form:"page_size,default=20"`
	Status    []string `form:"status"`
	Priority  []string `form:"priority"`
	Category  []string `form:"category"`
	Requester string   `form:"requester"`
	Search    string   `form:"search"`
	SortBy    string   `form:"sort_by,default=created_at"`
	SortOrder string   `form:"sort_order,default=desc"`
}

// TicketStats 工单统计
type TicketStats struct {
	Total              int64            `json:"total"`
	ByStatus           map[string]int64 `json:"by_status"`
	ByCategory         map[string]int64 `json:"by_category"`
	AutoResolved       int64            `json:"auto_resolved"`
	AutoResolutionRate float64          `json:"auto_resolution_rate"`
	PendingApprovals   int64            `json:"pending_approvals"`
	Executions         map[string]int64 `json:"executions"`
}

// ResolutionStats 解决时长（分钟）
type ResolutionStats struct {
	Resolved       int64   `json:"resolved"`
	AverageMinutes float64 `json:"average_minutes"`
	MedianMinutes  float64 `json:"median_minutes"`
}

// CategoryPerformance 单个分类的表现
type CategoryPerformance struct {
	Tickets      int64           `json:"tickets"`
	AutoResolved int64           `json:"auto_resolved"`
	Executions   int64           `json:"executions"`
	Succeeded    int64           `json:"succeeded"`
	SuccessRate  float64         `json:"success_rate"`
	Resolution   ResolutionStats `json:"resolution"`
}

// PerformanceReport 看板性能指标，统计窗口从 Since 开始
type PerformanceReport struct {
	Since      time.Time                                `json:"since"`
	Resolution ResolutionStats                          `json:"resolution"`
	Auto       ResolutionStats                          `json:"auto"`
	Manual     ResolutionStats                          `json:"manual"`
	Categories map[models.Category]*CategoryPerformance `json:"categories"`
}

// TicketServiceOptions 流水线各组件
type TicketServiceOptions struct {
	Classifier *Classifier
	Diagnosis  *DiagnosisEngine
	Evaluator  *PolicyEvaluator
	Policies   *PolicyService
	Approvals  *ApprovalService
	Engine     *ExecutionEngine
	Audit      *AuditService
	Queue      *WorkQueue
	States     *StateMachine
	Locks      *TicketLocks
	Cancels    *CancelRegistry
	Switch     *config.AutomationSwitch
	Metrics    *metrics.Metrics
	// StaleExecutionAfter is how old a non-terminal execution must be before it is considered abandoned.
	StaleExecutionAfter time.Duration
}

// TicketService 工单服务与修复流水线编排
type TicketService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer

	classifier *Classifier
	diagnosis  *DiagnosisEngine
	evaluator  *PolicyEvaluator
	policies   *PolicyService
	approvals  *ApprovalService
	engine     *ExecutionEngine
	audit      *AuditService
	queue      *WorkQueue
	states     *StateMachine
	locks      *TicketLocks
	cancels    *CancelRegistry
	automation *config.AutomationSwitch
	metrics    *metrics.Metrics

	staleAfter time.Duration
	now        func() time.Time
}

// NewTicketService 创建工单服务
func NewTicketService(db *gorm.DB, logger *logrus.Logger, opts TicketServiceOptions) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.StaleExecutionAfter <= 0 {
		opts.StaleExecutionAfter = 15 * time.Minute
	}
	return &TicketService{
		db:         db,
		logger:     logger,
		tracer:     otel.Tracer("remedy.pipeline"),
		classifier: opts.Classifier,
		diagnosis:  opts.Diagnosis,
		evaluator:  opts.Evaluator,
		policies:   opts.Policies,
		approvals:  opts.Approvals,
		engine:     opts.Engine,
		audit:      opts.Audit,
		queue:      opts.Queue,
		states:     opts.States,
		locks:      opts.Locks,
		cancels:    opts.Cancels,
		automation: opts.Switch,
		metrics:    opts.Metrics,
		staleAfter: opts.StaleExecutionAfter,
		now:        time.Now,
	}
}

// CreateTicket 创建工单并入队
func (s *TicketService) CreateTicket(ctx context.Context, req *TicketCreateRequest) (*models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "ticket.create")
	defer span.End()

	req.Subject = strings.TrimSpace(req.Subject)
	req.RequesterEmail = strings.ToLower(strings.TrimSpace(req.RequesterEmail))
	if req.Subject == "" || strings.TrimSpace(req.Description) == "" || req.RequesterEmail == "" {
		return nil, fmt.Errorf("%w: subject, description and requester_email are required", ErrInvalidInput)
	}

	ticket := &models.Ticket{
		TicketNumber:   utils.GenerateTicketNumber(s.now()),
		Subject:        req.Subject,
		Description:    req.Description,
		RequesterEmail: req.RequesterEmail,
		RequesterName:  req.RequesterName,
		Category:       models.CategoryUnclassified,
		Priority:       models.PriorityMedium,
		Status:         models.TicketNew,
	}

	var entry *models.AuditLog
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ticket).Error; err != nil {
			return fmt.Errorf("failed to create ticket: %w", err)
		}
		var err error
		entry, err = s.audit.RecordWithDB(tx, AuditEntry{
			Actor:      req.RequesterEmail,
			Action:     AuditTicketCreated,
			EntityType: "ticket",
			EntityID:   ticket.ID,
			TicketID:   ticket.ID,
			Detail:     map[string]interface{}{"ticket_number": ticket.TicketNumber, "subject": ticket.Subject},
		})
		if err != nil {
			return err
		}
		_, err = s.queue.EnqueueWithDB(tx, ticket.ID, ticket.Priority, ReasonIntake)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.audit.Publish(ctx, entry)
	s.metrics.TicketCreated()
	span.SetAttributes(attribute.Int64("ticket.id", int64(ticket.ID)))
	s.logger.Infof("Created ticket %s for %s", ticket.TicketNumber, utils.MaskEmail(ticket.RequesterEmail))
	return ticket, nil
}

// GetTicket 根据ID获取工单
func (s *TicketService) GetTicket(ctx context.Context, ticketID uint) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).First(&ticket, ticketID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	return &ticket, nil
}

var ticketSortColumns = map[string]bool{
	"created_at": true, "updated_at": true, "priority": true, "status": true, "confidence": true, "id": true,
}

// ListTickets 获取工单列表
func (s *TicketService) ListTickets(ctx context.Context, req *TicketListRequest) ([]models.Ticket, int64, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}
	query := s.db.WithContext(ctx).Model(&models.Ticket{})

	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if len(req.Priority) > 0 {
		query = query.Where("priority IN ?", req.Priority)
	}
	if len(req.Category) > 0 {
		query = query.Where("category IN ?", req.Category)
	}
	if req.Requester != "" {
		query = query.Where("requester_email = ?", strings.ToLower(req.Requester))
	}
	if req.Search != "" {
		term := "%" + strings.ToLower(req.Search) + "%"
		query = query.Where("LOWER(subject) LIKE ? OR LOWER(description) LIKE ? OR ticket_number LIKE ?", term, term, term)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}

	sortBy := req.SortBy
	if !ticketSortColumns[sortBy] {
		sortBy = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(req.SortOrder, "asc") {
		order = "ASC"
	}

	var tickets []models.Ticket
	err := query.Order(fmt.Sprintf("%s %s, id %s", sortBy, order, order)).
		Offset((req.Page - 1) * req.PageSize).
		Limit(req.PageSize).
		Find(&tickets).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, total, nil
}

// ListExecutions 获取工单的执行记录
func (s *TicketService) ListExecutions(ctx context.Context, ticketID uint) ([]models.AutomationExecution, error) {
	if _, err := s.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	var executions []models.AutomationExecution
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("id ASC").Find(&executions).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return executions, nil
}

// CloseTicket 关闭工单；进行中的执行在下一个检查点被取消
func (s *TicketService) CloseTicket(ctx context.Context, ticketID uint, actor, reason string) (*models.Ticket, error) {
	if actor == "" {
		return nil, ErrUnauthorizedActor
	}
	s.cancels.Request(ticketID)
	defer s.cancels.Clear(ticketID)

	unlock := s.locks.Lock(ticketID)
	defer unlock()

	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status == models.TicketClosed {
		return ticket, ErrTicketClosed
	}

	now := s.now()
	var entry *models.AuditLog
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.states.TransitionWithDB(tx, ticket, models.TicketClosed, actor, reason, map[string]interface{}{"closed_at": now})
		if err != nil {
			return err
		}
		return s.queue.CancelForTicketWithDB(tx, ticketID)
	})
	if err != nil {
		return nil, err
	}
	s.audit.Publish(ctx, entry)
	s.logger.Infof("Closed ticket %s by %s", ticket.TicketNumber, actor)
	return ticket, nil
}

// RetryExecution re-runs the plan of a failed ticket. The failed execution is marked superseded
// and a fresh one is created by the pipeline. Re-runs per ticket are capped by the category
// policy's max_retries.
func (s *TicketService) RetryExecution(ctx context.Context, ticketID uint, actor string) (*models.Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "ticket.retry")
	defer span.End()
	span.SetAttributes(attribute.Int64("ticket.id", int64(ticketID)))

	if actor == "" || actor == models.ActorSystem {
		return nil, ErrUnauthorizedActor
	}
	unlock := s.locks.Lock(ticketID)
	defer unlock()

	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	switch ticket.Status {
	case models.TicketFailed:
	case models.TicketClosed:
		return ticket, ErrTicketClosed
	default:
		return ticket, fmt.Errorf("%w: only failed tickets can be retried, ticket is %s", ErrInvalidTransition, ticket.Status)
	}
	if _, err := DecodePlan(ticket.Plan); err != nil {
		return ticket, fmt.Errorf("%w: ticket %s has no usable plan", ErrInvalidInput, ticket.TicketNumber)
	}

	snap, err := s.policies.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	limit := snap.For(ticket.Category).Attempts()
	if ticket.RetryCount >= limit {
		return ticket, fmt.Errorf("%w: %d of %d used", ErrRetryLimitReached, ticket.RetryCount, limit)
	}

	var entries []*models.AuditLog
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest models.AutomationExecution
		err := tx.Where("ticket_id = ? AND superseded = ?", ticket.ID, false).Order("id DESC").First(&latest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load executions: %w", err)
		}
		if latest.ID != 0 {
			if err := tx.Model(&latest).Update("superseded", true).Error; err != nil {
				return fmt.Errorf("failed to supersede execution %d: %w", latest.ID, err)
			}
		}

		entry, err := s.states.OverrideWithDB(tx, ticket, models.TicketInProgress, actor, "manual retry", map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": "",
		})
		if err != nil {
			return err
		}
		retried, err := s.audit.RecordWithDB(tx, AuditEntry{
			Actor:      actor,
			Action:     AuditExecutionRetried,
			EntityType: "execution",
			EntityID:   latest.ID,
			TicketID:   ticket.ID,
			Detail:     map[string]interface{}{"superseded": latest.ID, "retry": ticket.RetryCount, "limit": limit},
		})
		if err != nil {
			return err
		}
		entries = append(entries, entry, retried)
		_, err = s.queue.EnqueueWithDB(tx, ticket.ID, ticket.Priority, ReasonRetry)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.audit.Publish(ctx, entries...)
	s.logger.Infof("Ticket %s re-queued for execution by %s (retry %d/%d)", ticket.TicketNumber, actor, ticket.RetryCount, limit)
	return ticket, nil
}

// Stats 工单统计
func (s *TicketService) Stats(ctx context.Context) (*TicketStats, error) {
	stats := &TicketStats{
		ByStatus:   map[string]int64{},
		ByCategory: map[string]int64{},
		Executions: map[string]int64{},
	}
	type row struct {
		Label string
		Count int64
	}
	db := s.db.WithContext(ctx)

	var rows []row
	if err := db.Model(&models.Ticket{}).Select("status as label, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate tickets: %w", err)
	}
	for _, r := range rows {
		stats.ByStatus[r.Label] = r.Count
		stats.Total += r.Count
	}

	rows = nil
	if err := db.Model(&models.Ticket{}).Select("category as label, count(*) as count").Group("category").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate categories: %w", err)
	}
	for _, r := range rows {
		stats.ByCategory[r.Label] = r.Count
	}

	rows = nil
	if err := db.Model(&models.AutomationExecution{}).Select("status as label, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate executions: %w", err)
	}
	for _, r := range rows {
		stats.Executions[r.Label] = r.Count
	}

	if err := db.Model(&models.Ticket{}).Where("auto_resolved = ?", true).Count(&stats.AutoResolved).Error; err != nil {
		return nil, fmt.Errorf("failed to count auto-resolved tickets: %w", err)
	}
	if stats.Total > 0 {
		stats.AutoResolutionRate = float64(stats.AutoResolved) / float64(stats.Total)
	}
	if err := db.Model(&models.ApprovalRequest{}).Where("status = ?", models.ApprovalPending).Count(&stats.PendingApprovals).Error; err != nil {
		return nil, fmt.Errorf("failed to count approvals: %w", err)
	}
	return stats, nil
}

// Performance 统计 since 之后解决的工单时长，以及各分类执行成功率
func (s *TicketService) Performance(ctx context.Context, since time.Time) (*PerformanceReport, error) {
	report := &PerformanceReport{Since: since, Categories: map[models.Category]*CategoryPerformance{}}
	category := func(c models.Category) *CategoryPerformance {
		if report.Categories[c] == nil {
			report.Categories[c] = &CategoryPerformance{}
		}
		return report.Categories[c]
	}
	db := s.db.WithContext(ctx)

	var tickets []models.Ticket
	err := db.Select("id", "category", "auto_resolved", "created_at", "resolved_at").
		Where("resolved_at IS NOT NULL AND resolved_at >= ?", since).
		Find(&tickets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load resolved tickets: %w", err)
	}
	var all, auto, manual []float64
	byCategory := map[models.Category][]float64{}
	for _, t := range tickets {
		minutes := t.ResolvedAt.Sub(t.CreatedAt).Minutes()
		all = append(all, minutes)
		if t.AutoResolved {
			auto = append(auto, minutes)
		} else {
			manual = append(manual, minutes)
		}
		byCategory[t.Category] = append(byCategory[t.Category], minutes)
	}
	report.Resolution = resolutionStats(all)
	report.Auto = resolutionStats(auto)
	report.Manual = resolutionStats(manual)
	for c, values := range byCategory {
		category(c).Resolution = resolutionStats(values)
	}

	type ticketRow struct {
		Category     models.Category
		Count        int64
		AutoResolved int64
	}
	var ticketRows []ticketRow
	err = db.Model(&models.Ticket{}).
		Select("category, count(*) as count, sum(case when auto_resolved then 1 else 0 end) as auto_resolved").
		Where("created_at >= ?", since).
		Group("category").
		Scan(&ticketRows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tickets: %w", err)
	}
	for _, r := range ticketRows {
		p := category(r.Category)
		p.Tickets = r.Count
		p.AutoResolved = r.AutoResolved
	}

	// 成功率只看已结束的执行
	type executionRow struct {
		Category models.Category
		Status   models.ExecutionStatus
		Count    int64
	}
	var executionRows []executionRow
	err = db.Table("automation_executions").
		Select("tickets.category as category, automation_executions.status as status, count(*) as count").
		Joins("JOIN tickets ON tickets.id = automation_executions.ticket_id").
		Where("automation_executions.created_at >= ?", since).
		Where("automation_executions.status IN ?", []models.ExecutionStatus{models.ExecutionSucceeded, models.ExecutionFailed, models.ExecutionRolledBack}).
		Group("tickets.category, automation_executions.status").
		Scan(&executionRows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate executions: %w", err)
	}
	for _, r := range executionRows {
		p := category(r.Category)
		p.Executions += r.Count
		if r.Status == models.ExecutionSucceeded {
			p.Succeeded += r.Count
		}
	}
	for _, p := range report.Categories {
		if p.Executions > 0 {
			p.SuccessRate = float64(p.Succeeded) / float64(p.Executions)
		}
	}
	return report, nil
}

func resolutionStats(minutes []float64) ResolutionStats {
	stats := ResolutionStats{Resolved: int64(len(minutes))}
	if len(minutes) == 0 {
		return stats
	}
	sorted := append([]float64(nil), minutes...)
	sort.Float64s(sorted)
	var sum float64
	for _, m := range sorted {
		sum += m
	}
	stats.AverageMinutes = sum / float64(len(sorted))
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		stats.MedianMinutes = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		stats.MedianMinutes = sorted[mid]
	}
	return stats
}

// Process 推进工单流水线，直到需要外部事件（审批）或到达终态。
// 每个阶段单独持有工单锁，并在加锁后重新读取状态。
func (s *TicketService) Process(ctx context.Context, ticketID uint) error {
	ctx, span := s.tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(attribute.Int64("ticket.id", int64(ticketID)))

	run := &pipelineRun{}
	for {
		more, err := s.step(ctx, ticketID, run)
		if err != nil {
			if isStateConflict(err) {
				// another actor moved the ticket; its state wins
				s.logger.WithError(err).Debugf("Ticket %d changed underneath the pipeline", ticketID)
				return nil
			}
			span.RecordError(err)
			return err
		}
		if !more {
			return nil
		}
	}
}

// pipelineRun holds state shared across the stages of one Process call.
type pipelineRun struct {
	snapshot *PolicySnapshot
}

func (r *pipelineRun) policies(ctx context.Context, ps *PolicyService) (*PolicySnapshot, error) {
	if r.snapshot == nil {
		snap, err := ps.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		r.snapshot = snap
	}
	return r.snapshot, nil
}

func (s *TicketService) step(ctx context.Context, ticketID uint, run *pipelineRun) (bool, error) {
	unlock := s.locks.Lock(ticketID)
	defer unlock()

	ticket, err := s.GetTicket(ctx, ticketID)
	if err != nil {
		return false, err
	}
	switch ticket.Status {
	case models.TicketNew, models.TicketAnalyzing:
		return s.analyze(ctx, ticket)
	case models.TicketDiagnosing:
		return s.diagnose(ctx, ticket, run)
	case models.TicketAwaitingApproval:
		return s.resumeApproved(ctx, ticket)
	case models.TicketInProgress:
		return s.execute(ctx, ticket, run)
	default:
		return false, nil
	}
}

func (s *TicketService) analyze(ctx context.Context, ticket *models.Ticket) (bool, error) {
	if ticket.Status == models.TicketNew {
		if err := s.transition(ctx, ticket, models.TicketAnalyzing, "", "analysis started", nil); err != nil {
			return false, err
		}
	}

	c := s.classifier.Classify(ClassifyInput{
		Subject:        ticket.Subject,
		Description:    ticket.Description,
		RequesterEmail: ticket.RequesterEmail,
	})
	s.metrics.Classified(string(c.Category))

	updates := map[string]interface{}{
		"category":      c.Category,
		"confidence":    c.Confidence,
		"priority":      c.Priority,
		"entities":      mustJSON(c.Entities),
		"affected_user": c.Entities.AffectedUser,
	}
	classified := AuditEntry{
		Action:     AuditTicketClassified,
		EntityType: "ticket",
		EntityID:   ticket.ID,
		Detail:     c,
	}

	if c.Category == models.CategoryUnclassified {
		updates["error_message"] = fmt.Sprintf("%s (%.2f < %.2f)", ErrLowConfidence, c.Score, s.classifier.MinConfidence())
		return false, s.transition(ctx, ticket, models.TicketManualQueue, "", "low confidence", updates, classified)
	}
	if !s.automation.Enabled() {
		updates["error_message"] = "automation disabled"
		return false, s.transition(ctx, ticket, models.TicketManualQueue, "", "automation disabled", updates, classified)
	}

	// 只有产出方案的工单才进入 diagnosing
	plan, err := s.diagnosis.Diagnose(c.Category, c.Entities, c.Priority)
	if errors.Is(err, ErrNoPlanAvailable) {
		updates["error_message"] = err.Error()
		return false, s.transition(ctx, ticket, models.TicketManualQueue, "", "no plan", updates, classified)
	}
	if err != nil {
		return false, err
	}
	raw, err := plan.Encode()
	if err != nil {
		return false, fmt.Errorf("encode plan: %w", err)
	}
	updates["plan"] = datatypes.JSON(raw)
	return true, s.transition(ctx, ticket, models.TicketDiagnosing, "", "classified as "+string(c.Category), updates, classified)
}

func (s *TicketService) diagnose(ctx context.Context, ticket *models.Ticket, run *pipelineRun) (bool, error) {
	plan, err := DecodePlan(ticket.Plan)
	if err != nil {
		return false, fmt.Errorf("ticket %s diagnosing without a plan: %w", ticket.TicketNumber, err)
	}

	snap, err := run.policies(ctx, s.policies)
	if err != nil {
		return false, err
	}
	decision := s.evaluator.Evaluate(plan, snap.For(ticket.Category))
	if decision.Misconfigured {
		s.logger.Warnf("No active policy for %s; ticket %s gated for approval", ticket.Category, ticket.TicketNumber)
	}

	if decision.AutoExecute {
		return true, s.transition(ctx, ticket, models.TicketInProgress, "", decision.Reason, map[string]interface{}{
			"requires_approval": false,
		})
	}

	var entries []*models.AuditLog
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.states.TransitionWithDB(tx, ticket, models.TicketAwaitingApproval, models.ActorSystem, decision.Reason, map[string]interface{}{
			"requires_approval": true,
		})
		if err != nil {
			return err
		}
		_, requested, err := s.approvals.RequestWithDB(tx, ticket, plan, decision.Reason)
		if err != nil {
			return err
		}
		entries = append(entries, entry, requested)
		return nil
	})
	if err != nil {
		return false, err
	}
	s.audit.Publish(ctx, entries...)
	s.logger.Infof("Ticket %s awaiting approval: %s", ticket.TicketNumber, decision.Reason)
	return false, nil
}

// resumeApproved continues a gated ticket once its approval request is approved.
func (s *TicketService) resumeApproved(ctx context.Context, ticket *models.Ticket) (bool, error) {
	approval, err := s.approvals.LatestForTicket(ctx, ticket.ID)
	if errors.Is(err, ErrApprovalNotFound) {
		s.logger.Warnf("Ticket %s awaits approval but has no request", ticket.TicketNumber)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if approval.Status != models.ApprovalApproved {
		return false, nil
	}
	return true, s.transition(ctx, ticket, models.TicketInProgress, approval.DecidedBy, "approved", nil)
}

func (s *TicketService) execute(ctx context.Context, ticket *models.Ticket, run *pipelineRun) (bool, error) {
	plan, err := DecodePlan(ticket.Plan)
	if err != nil {
		return false, s.transition(ctx, ticket, models.TicketFailed, "", "plan unreadable", map[string]interface{}{"error_message": err.Error()})
	}

	resumed, err := s.resumeExecution(ctx, ticket)
	if resumed || err != nil {
		return false, err
	}

	snap, err := run.policies(ctx, s.policies)
	if err != nil {
		return false, err
	}
	req := ExecuteRequest{Ticket: ticket, Plan: plan, Policy: snap.For(ticket.Category)}
	if ticket.RequiresApproval {
		if approval, err := s.approvals.LatestForTicket(ctx, ticket.ID); err == nil && approval.Status == models.ApprovalApproved {
			req.ApprovalID = &approval.ID
		}
	}

	result, execErr := s.engine.Execute(ctx, req)
	switch {
	case errors.Is(execErr, ErrCancelled):
		return false, nil
	case errors.Is(execErr, ErrExecutionInFlight):
		return false, execErr
	case execErr == nil:
		updates := map[string]interface{}{
			"auto_resolved": autoResolved(ticket),
			"resolved_at":   s.now(),
			"error_message": result.Warning,
		}
		return false, s.transition(ctx, ticket, models.TicketResolved, "", "remediation succeeded", updates)
	case ctx.Err() != nil:
		return false, execErr
	default:
		return false, s.transition(ctx, ticket, models.TicketFailed, "", "remediation failed", map[string]interface{}{"error_message": execErr.Error()})
	}
}

// resumeExecution settles an in_progress ticket whose execution was started by an earlier run.
// It reports true when the ticket needs no new execution.
func (s *TicketService) resumeExecution(ctx context.Context, ticket *models.Ticket) (bool, error) {
	var latest models.AutomationExecution
	err := s.db.WithContext(ctx).Where("ticket_id = ? AND superseded = ?", ticket.ID, false).Order("id DESC").First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load executions: %w", err)
	}

	switch {
	case latest.Status == models.ExecutionSucceeded:
		return true, s.transition(ctx, ticket, models.TicketResolved, "", "remediation succeeded", map[string]interface{}{
			"auto_resolved": autoResolved(ticket),
			"resolved_at":   s.now(),
		})
	case latest.Status.Terminal() && latest.ErrorMessage != abandonedExecution:
		return true, s.transition(ctx, ticket, models.TicketFailed, "", "remediation failed", map[string]interface{}{
			"error_message": latest.ErrorMessage,
		})
	case latest.Status.Terminal():
		return false, nil
	case s.now().Sub(latest.UpdatedAt) < s.staleAfter:
		return true, ErrExecutionInFlight
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.AutomationExecution{}).
		Where("id = ? AND status IN ?", latest.ID, []models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning}).
		Updates(map[string]interface{}{"status": models.ExecutionFailed, "error_message": abandonedExecution, "completed_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to abandon execution %d: %w", latest.ID, res.Error)
	}
	s.logger.Warnf("Abandoned stale execution %d for ticket %s", latest.ID, ticket.TicketNumber)
	return false, nil
}

// autoResolved: 审批或人工重跑过的工单不算自动解决
func autoResolved(ticket *models.Ticket) bool {
	return !ticket.RequiresApproval && ticket.RetryCount == 0
}

// transition 单事务内迁移工单状态并写入附加审计，提交后分发
func (s *TicketService) transition(ctx context.Context, ticket *models.Ticket, to models.TicketStatus, actor, reason string, updates map[string]interface{}, extra ...AuditEntry) error {
	if actor == "" {
		actor = models.ActorSystem
	}
	var entries []*models.AuditLog
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.states.TransitionWithDB(tx, ticket, to, actor, reason, updates)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		for _, e := range extra {
			e.TicketID = ticket.ID
			if e.Actor == "" {
				e.Actor = actor
			}
			logged, err := s.audit.RecordWithDB(tx, e)
			if err != nil {
				return err
			}
			entries = append(entries, logged)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.Publish(ctx, entries...)
	return nil
}
