package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"remedy/internal/metrics"
	"remedy/internal/models"
	"remedy/pkg/integrations"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RetryPolicy 重试退避：base * 2^(n-1)，封顶后叠加抖动
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// Delay returns the wait before the attempt following attempt n. rnd is in [0,1).
func (r RetryPolicy) Delay(attempt int, rnd float64) time.Duration {
	if r.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	d := time.Duration(1<<(attempt-1)) * r.BaseDelay
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if r.Jitter > 0 {
		d += time.Duration(rnd * r.Jitter * float64(d))
	}
	return d
}

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	Ticket *models.Ticket
	Plan   *Plan
	Policy *models.AutomationPolicy
	// ApprovalID links the approval that authorized this run.
	ApprovalID *uint
}

// ExecutionResult 执行结果；失败时与错误一并返回
type ExecutionResult struct {
	Execution *models.AutomationExecution
	Output    string
	// Warning is set when the action succeeded but a side channel (notification) failed.
	Warning string
}

// ExecutionEngineOptions 执行引擎依赖
type ExecutionEngineOptions struct {
	Registry       *integrations.Registry
	Audit          *AuditService
	Notifier       integrations.Notifier
	Cancels        *CancelRegistry
	Metrics        *metrics.Metrics
	Retry          RetryPolicy
	DefaultTimeout time.Duration
}

// ExecutionEngine 执行修复动作：超时、重试、回滚、通知
type ExecutionEngine struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	registry *integrations.Registry
	audit    *AuditService
	notifier integrations.Notifier
	cancels  *CancelRegistry
	metrics  *metrics.Metrics

	retry          RetryPolicy
	defaultTimeout time.Duration

	sleep  func(ctx context.Context, d time.Duration, cancel <-chan struct{}) error
	random func() float64
	now    func() time.Time
}

func NewExecutionEngine(db *gorm.DB, logger *logrus.Logger, opts ExecutionEngineOptions) *ExecutionEngine {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Cancels == nil {
		opts.Cancels = NewCancelRegistry()
	}
	if opts.Audit == nil {
		opts.Audit = NewAuditService(db, logger)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	return &ExecutionEngine{
		db:             db,
		logger:         logger,
		tracer:         otel.Tracer("remedy.execution"),
		registry:       opts.Registry,
		audit:          opts.Audit,
		notifier:       opts.Notifier,
		cancels:        opts.Cancels,
		metrics:        opts.Metrics,
		retry:          opts.Retry,
		defaultTimeout: opts.DefaultTimeout,
		sleep:          waitBackoff,
		random:         rand.Float64,
		now:            time.Now,
	}
}

// Execute runs the plan's action for the ticket. The returned result carries the
// persisted execution even when err is non-nil.
func (e *ExecutionEngine) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "execution.execute")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("ticket.id", int64(req.Ticket.ID)),
		attribute.String("execution.action", req.Plan.ActionType),
		attribute.String("execution.adapter", req.Plan.Adapter),
	)

	adapter, err := e.registry.Get(req.Plan.Adapter)
	if err != nil {
		span.RecordError(err)
		return nil, &AdapterError{Adapter: req.Plan.Adapter, Action: req.Plan.ActionType, Cause: err}
	}
	spec, ok := adapter.Spec(req.Plan.ActionType)
	if !ok {
		return nil, &AdapterError{Adapter: req.Plan.Adapter, Action: req.Plan.ActionType, Cause: integrations.ErrUnknownAction}
	}

	cancel := e.cancels.Done(req.Ticket.ID)
	defer e.cancels.Release(req.Ticket.ID)
	if signalled(cancel) {
		return nil, ErrCancelled
	}

	exec, err := e.createExecution(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res := &ExecutionResult{Execution: exec}
	log := e.logger.WithFields(logrus.Fields{
		"ticket_id":    req.Ticket.ID,
		"execution_id": exec.ID,
		"action":       exec.ActionType,
	})

	call := integrations.Request{
		Action:         req.Plan.ActionType,
		Params:         req.Plan.Parameters,
		IdempotencyKey: exec.IdempotencyKey,
	}
	timeout := req.Policy.Timeout(e.defaultTimeout)

	before := e.captureState(ctx, adapter, call, timeout, log)
	if before != nil {
		exec.BeforeState = mustJSON(before)
	}
	started := e.now()
	exec.StartedAt = &started

	var lastErr error
	for attempt := 1; attempt <= exec.MaxAttempts; attempt++ {
		if signalled(cancel) {
			return e.finishCancelled(ctx, res)
		}
		exec.Status = models.ExecutionRunning
		exec.AttemptCount = attempt
		if err := e.save(ctx, exec); err != nil {
			return res, err
		}

		t0 := e.now()
		result, applyErr := withTimeout(ctx, timeout, func(c context.Context) (*integrations.Result, error) {
			return adapter.Apply(c, call)
		})
		elapsed := e.now().Sub(t0)

		// a result that lands after close is discarded
		if signalled(cancel) {
			return e.finishCancelled(ctx, res)
		}
		if ctx.Err() != nil {
			// shutdown: leave the row non-terminal for stale recovery
			return res, ctx.Err()
		}

		if applyErr == nil {
			e.metrics.Attempt(exec.Adapter, exec.ActionType, "succeeded", elapsed)
			e.recordAttempt(ctx, exec, attempt, elapsed, nil)
			return e.finishSuccess(ctx, req, res, result, log)
		}

		lastErr = &AdapterError{Adapter: exec.Adapter, Action: exec.ActionType, Cause: applyErr}
		e.metrics.Attempt(exec.Adapter, exec.ActionType, "failed", elapsed)
		e.recordAttempt(ctx, exec, attempt, elapsed, lastErr)
		log.WithError(applyErr).Warnf("Attempt %d/%d failed", attempt, exec.MaxAttempts)

		if !spec.Retryable() {
			log.Warn("Action is not idempotent; not retrying")
			break
		}
		if attempt == exec.MaxAttempts {
			break
		}

		exec.Status = models.ExecutionPending
		exec.ErrorMessage = lastErr.Error()
		if err := e.save(ctx, exec); err != nil {
			return res, err
		}
		if err := e.sleep(ctx, e.retry.Delay(attempt, e.random()), cancel); err != nil {
			if errors.Is(err, ErrCancelled) {
				return e.finishCancelled(ctx, res)
			}
			return res, err
		}
	}

	res, err = e.finishExhausted(ctx, adapter, spec, call, before, timeout, res, lastErr, log)
	span.RecordError(err)
	return res, err
}

func (e *ExecutionEngine) createExecution(ctx context.Context, req ExecuteRequest) (*models.AutomationExecution, error) {
	exec := &models.AutomationExecution{
		TicketID:       req.Ticket.ID,
		ActionType:     req.Plan.ActionType,
		Adapter:        req.Plan.Adapter,
		Parameters:     mustJSON(req.Plan.Parameters),
		Status:         models.ExecutionPending,
		MaxAttempts:    req.Policy.Attempts(),
		IdempotencyKey: uuid.NewString(),
	}

	var entry *models.AuditLog
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inflight int64
		err := tx.Model(&models.AutomationExecution{}).
			Where("ticket_id = ? AND status IN ?", req.Ticket.ID, []models.ExecutionStatus{models.ExecutionPending, models.ExecutionRunning}).
			Count(&inflight).Error
		if err != nil {
			return err
		}
		if inflight > 0 {
			return ErrExecutionInFlight
		}
		if err := tx.Create(exec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrExecutionInFlight
			}
			return err
		}
		if req.ApprovalID != nil {
			if err := tx.Model(&models.ApprovalRequest{}).Where("id = ?", *req.ApprovalID).Update("execution_id", exec.ID).Error; err != nil {
				return err
			}
		}
		entry, err = e.audit.RecordWithDB(tx, AuditEntry{
			Action:     AuditExecutionCreated,
			EntityType: "execution",
			EntityID:   exec.ID,
			TicketID:   exec.TicketID,
			Detail: map[string]interface{}{
				"action":       exec.ActionType,
				"adapter":      exec.Adapter,
				"max_attempts": exec.MaxAttempts,
				"approval_id":  req.ApprovalID,
			},
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrExecutionInFlight) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	e.audit.Publish(ctx, entry)
	return exec, nil
}

// captureState returns nil when the adapter cannot capture state for the action.
func (e *ExecutionEngine) captureState(ctx context.Context, adapter integrations.Adapter, call integrations.Request, timeout time.Duration, log *logrus.Entry) integrations.State {
	state, err := withTimeout(ctx, timeout, func(c context.Context) (integrations.State, error) {
		return adapter.CaptureState(c, call)
	})
	if err != nil {
		if !errors.Is(err, integrations.ErrUnsupported) {
			log.WithError(err).Warn("Could not capture before-state; rollback disabled for this run")
		}
		return nil
	}
	if state == nil {
		state = integrations.State{}
	}
	return state
}

func (e *ExecutionEngine) recordAttempt(ctx context.Context, exec *models.AutomationExecution, attempt int, elapsed time.Duration, err error) {
	detail := map[string]interface{}{
		"attempt":      attempt,
		"max_attempts": exec.MaxAttempts,
		"outcome":      "succeeded",
		"duration_ms":  elapsed.Milliseconds(),
	}
	if err != nil {
		detail["outcome"] = "failed"
		detail["error"] = err.Error()
		detail["timeout"] = errors.Is(err, ErrTimeout)
	}
	if aerr := e.audit.Record(ctx, AuditEntry{
		Action:     AuditExecutionAttempt,
		EntityType: "execution",
		EntityID:   exec.ID,
		TicketID:   exec.TicketID,
		Detail:     detail,
	}); aerr != nil {
		e.logger.WithError(aerr).Error("Failed to audit execution attempt")
	}
}

func (e *ExecutionEngine) finishSuccess(ctx context.Context, req ExecuteRequest, res *ExecutionResult, result *integrations.Result, log *logrus.Entry) (*ExecutionResult, error) {
	exec := res.Execution
	if result == nil {
		result = &integrations.Result{}
	}
	exec.Status = models.ExecutionSucceeded
	exec.Output = result.Message
	exec.ErrorMessage = ""
	if result.After != nil {
		exec.AfterState = mustJSON(result.After)
	}
	e.complete(exec)
	res.Output = result.Message

	if e.notifier != nil {
		err := e.notifier.Notify(ctx, integrations.Notification{
			TicketNumber: req.Ticket.TicketNumber,
			Recipient:    notificationRecipient(req.Ticket),
			Subject:      fmt.Sprintf("[%s] %s", req.Ticket.TicketNumber, req.Ticket.Subject),
			Message:      result.Message,
			Level:        integrations.NotifySuccess,
			Secrets:      result.Sensitive,
		})
		if err != nil {
			log.WithError(err).Warn("Notification failed; ticket stays resolved")
			exec.Degraded = true
			res.Warning = "notification failed: " + err.Error()
			if aerr := e.audit.Record(ctx, AuditEntry{
				Action:     AuditNotificationFailed,
				EntityType: "execution",
				EntityID:   exec.ID,
				TicketID:   exec.TicketID,
				Detail:     map[string]interface{}{"error": err.Error()},
			}); aerr != nil {
				log.WithError(aerr).Error("Failed to audit notification failure")
			}
		}
	}

	if err := e.save(ctx, exec); err != nil {
		return res, err
	}
	e.metrics.ExecutionFinished(exec.ActionType, string(exec.Status))
	log.Infof("Execution succeeded after %d attempt(s)", exec.AttemptCount)
	return res, nil
}

func (e *ExecutionEngine) finishExhausted(ctx context.Context, adapter integrations.Adapter, spec integrations.ActionSpec, call integrations.Request,
	before integrations.State, timeout time.Duration, res *ExecutionResult, lastErr error, log *logrus.Entry) (*ExecutionResult, error) {
	exec := res.Execution
	exhausted := fmt.Errorf("%w after %d attempt(s): %w", ErrRetriesExhausted, exec.AttemptCount, lastErr)
	exec.Status = models.ExecutionFailed
	exec.ErrorMessage = exhausted.Error()
	result := exhausted

	if before != nil && spec.Reversible {
		_, rerr := withTimeout(ctx, timeout, func(c context.Context) (struct{}, error) {
			return struct{}{}, adapter.Reverse(c, call, before)
		})
		switch {
		case rerr == nil:
			exec.Status = models.ExecutionRolledBack
			e.metrics.Rollback(exec.ActionType, "succeeded")
			e.recordRollback(ctx, exec, nil)
			log.Info("Rolled back to captured before-state")
		case errors.Is(rerr, integrations.ErrUnsupported):
			log.Warn("Adapter declined reversal; leaving target as is")
		default:
			e.metrics.Rollback(exec.ActionType, "failed")
			e.recordRollback(ctx, exec, rerr)
			exec.ErrorMessage = fmt.Sprintf("%s; rollback failed: %v", exhausted.Error(), rerr)
			result = fmt.Errorf("%w: %w (after %w)", ErrRollbackFailed, rerr, exhausted)
			log.WithError(rerr).Error("Rollback failed; target may be in an intermediate state")
		}
	}

	e.complete(exec)
	if err := e.save(ctx, exec); err != nil {
		return res, err
	}
	e.metrics.ExecutionFinished(exec.ActionType, string(exec.Status))
	return res, result
}

func (e *ExecutionEngine) recordRollback(ctx context.Context, exec *models.AutomationExecution, err error) {
	detail := map[string]interface{}{"outcome": "succeeded"}
	if err != nil {
		detail["outcome"] = "failed"
		detail["error"] = err.Error()
	}
	if aerr := e.audit.Record(ctx, AuditEntry{
		Action:     AuditExecutionRollback,
		EntityType: "execution",
		EntityID:   exec.ID,
		TicketID:   exec.TicketID,
		Detail:     detail,
	}); aerr != nil {
		e.logger.WithError(aerr).Error("Failed to audit rollback")
	}
}

func (e *ExecutionEngine) finishCancelled(ctx context.Context, res *ExecutionResult) (*ExecutionResult, error) {
	exec := res.Execution
	exec.Status = models.ExecutionFailed
	exec.ErrorMessage = ErrCancelled.Error()
	e.complete(exec)
	if err := e.save(ctx, exec); err != nil {
		return res, err
	}
	if err := e.audit.Record(ctx, AuditEntry{
		Action:     AuditExecutionCancelled,
		EntityType: "execution",
		EntityID:   exec.ID,
		TicketID:   exec.TicketID,
		Detail:     map[string]interface{}{"attempts": exec.AttemptCount},
	}); err != nil {
		e.logger.WithError(err).Error("Failed to audit cancellation")
	}
	e.metrics.ExecutionFinished(exec.ActionType, "cancelled")
	return res, ErrCancelled
}

func (e *ExecutionEngine) complete(exec *models.AutomationExecution) {
	now := e.now()
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
	}
}

func (e *ExecutionEngine) save(ctx context.Context, exec *models.AutomationExecution) error {
	if err := e.db.WithContext(ctx).Save(exec).Error; err != nil {
		return fmt.Errorf("failed to save execution %d: %w", exec.ID, err)
	}
	return nil
}

// withTimeout runs fn under a deadline; a deadline hit surfaces as ErrTimeout.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return o.v, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return o.v, o.err
	case <-callCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}

func waitBackoff(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	if d <= 0 {
		if signalled(cancel) {
			return ErrCancelled
		}
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cancel:
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}

func signalled(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func notificationRecipient(t *models.Ticket) string {
	if strings.Contains(t.AffectedUser, "@") {
		return t.AffectedUser
	}
	return t.RequesterEmail
}

func mustJSON(v interface{}) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(raw)
}
