package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"remedy/internal/models"
	"remedy/pkg/integrations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRetryPolicy_Delay(t *testing.T) {
	r := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 100*time.Millisecond, r.Delay(1, 0))
	assert.Equal(t, 200*time.Millisecond, r.Delay(2, 0))
	assert.Equal(t, 400*time.Millisecond, r.Delay(3, 0))
	assert.Equal(t, time.Second, r.Delay(5, 0))
	assert.Equal(t, time.Second, r.Delay(64, 0))
	assert.Equal(t, 100*time.Millisecond, r.Delay(0, 0))

	r.Jitter = 0.5
	assert.Equal(t, 150*time.Millisecond, r.Delay(1, 1))

	assert.Zero(t, RetryPolicy{}.Delay(3, 0.5))
}

// engineFixture builds an engine around a single fake adapter.
type engineFixture struct {
	h       *harness
	engine  *ExecutionEngine
	adapter *fakeAdapter
	ticket  *models.Ticket
}

func newEngineFixture(t *testing.T, specs []integrations.ActionSpec, timeout time.Duration) *engineFixture {
	t.Helper()
	h := newHarness(t)
	adapter := newFakeAdapter("custom", specs)
	engine := NewExecutionEngine(h.db, quietLogger(), ExecutionEngineOptions{
		Registry:       integrations.NewRegistry(adapter),
		Audit:          h.audit,
		Notifier:       h.notifier,
		Cancels:        h.cancels,
		Retry:          RetryPolicy{BaseDelay: time.Millisecond},
		DefaultTimeout: timeout,
	})
	engine.sleep = func(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
		return nil
	}

	ticket := &models.Ticket{
		TicketNumber:   "TKT-TEST-0001",
		Subject:        "custom",
		Description:    "custom action",
		RequesterEmail: "jane@corp.example",
		AffectedUser:   "jane@corp.example",
		Status:         models.TicketInProgress,
		Category:       models.CategoryAccountUnlock,
		Priority:       models.PriorityMedium,
	}
	require.NoError(t, h.db.Create(ticket).Error)
	return &engineFixture{h: h, engine: engine, adapter: adapter, ticket: ticket}
}

func (f *engineFixture) run(action string, attempts int) (*ExecutionResult, error) {
	return f.engine.Execute(context.Background(), ExecuteRequest{
		Ticket: f.ticket,
		Plan:   &Plan{ActionType: action, Adapter: "custom", Parameters: integrations.Params{"user": "jane@corp.example"}},
		Policy: &models.AutomationPolicy{Category: models.CategoryAccountUnlock, MaxRetries: attempts, Active: true},
	})
}

func TestExecutionEngine_TimeoutCountsAsFailedAttempt(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "slow", Idempotent: true}}, 20*time.Millisecond)
	f.adapter.applyDelay = 500 * time.Millisecond

	res, err := f.run("slow", 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrTimeout)

	require.NotNil(t, res)
	assert.Equal(t, models.ExecutionFailed, res.Execution.Status)
	assert.Equal(t, 2, res.Execution.AttemptCount)
	assert.NotNil(t, res.Execution.CompletedAt)
}

func TestExecutionEngine_NonIdempotentIsNotRetried(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "once"}}, time.Second)
	f.adapter.failures = -1

	res, err := f.run("once", 3)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	apply, reverse := f.adapter.calls()
	assert.Equal(t, 1, apply)
	assert.Zero(t, reverse)
	assert.Equal(t, 1, res.Execution.AttemptCount)
	assert.Equal(t, 3, res.Execution.MaxAttempts)
}

func TestExecutionEngine_DeduplicatingActionIsRetried(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "dedup", Deduplicates: true}}, time.Second)
	f.adapter.failures = 1

	res, err := f.run("dedup", 3)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, res.Execution.Status)
	assert.Equal(t, 2, res.Execution.AttemptCount)
	assert.NotEmpty(t, res.Execution.IdempotencyKey)
}

func TestExecutionEngine_RollbackFailure(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "flip", Idempotent: true, Reversible: true}}, time.Second)
	f.adapter.failures = -1
	f.adapter.reverseErr = errors.New("directory unavailable")

	res, err := f.run("flip", 2)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "flip", adapterErr.Action)
	assert.Equal(t, models.ExecutionFailed, res.Execution.Status)
	assert.Contains(t, res.Execution.ErrorMessage, "rollback failed")

	_, reverse := f.adapter.calls()
	assert.Equal(t, 1, reverse)
}

func TestExecutionEngine_UnsupportedReverseLeavesFailed(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "flip", Idempotent: true, Reversible: true}}, time.Second)
	f.adapter.failures = -1
	f.adapter.reverseErr = integrations.ErrUnsupported

	res, err := f.run("flip", 1)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.NotErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, models.ExecutionFailed, res.Execution.Status)
}

func TestExecutionEngine_RejectsSecondInFlightExecution(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "flip", Idempotent: true}}, time.Second)
	running := &models.AutomationExecution{
		TicketID:   f.ticket.ID,
		ActionType: "flip",
		Adapter:    "custom",
		Status:     models.ExecutionRunning,
	}
	require.NoError(t, f.h.db.Create(running).Error)

	_, err := f.run("flip", 1)
	assert.ErrorIs(t, err, ErrExecutionInFlight)
	apply, _ := f.adapter.calls()
	assert.Zero(t, apply)
}

func TestExecutionEngine_InFlightIndexGuardsConcurrentInsert(t *testing.T) {
	h := newHarness(t)
	first := &models.AutomationExecution{TicketID: 7, ActionType: "x", Status: models.ExecutionPending}
	require.NoError(t, h.db.Create(first).Error)

	second := &models.AutomationExecution{TicketID: 7, ActionType: "x", Status: models.ExecutionRunning}
	err := h.db.Create(second).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	done := &models.AutomationExecution{TicketID: 7, ActionType: "x", Status: models.ExecutionFailed}
	assert.NoError(t, h.db.Create(done).Error)
}

func TestExecutionEngine_UnknownAdapterAndAction(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "flip", Idempotent: true}}, time.Second)

	_, err := f.engine.Execute(context.Background(), ExecuteRequest{
		Ticket: f.ticket,
		Plan:   &Plan{ActionType: "flip", Adapter: "nowhere"},
	})
	var adapterErr *AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, "nowhere", adapterErr.Adapter)

	_, err = f.run("missing", 1)
	require.ErrorAs(t, err, &adapterErr)
	assert.ErrorIs(t, err, integrations.ErrUnknownAction)
}

func TestExecutionEngine_CancelledBeforeStart(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "flip", Idempotent: true}}, time.Second)
	f.h.cancels.Request(f.ticket.ID)

	res, err := f.run("flip", 1)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Nil(t, res)
	apply, _ := f.adapter.calls()
	assert.Zero(t, apply)
}

func TestExecutionEngine_CancelledDuringBackoff(t *testing.T) {
	f := newEngineFixture(t, []integrations.ActionSpec{{Type: "flip", Idempotent: true}}, time.Second)
	f.adapter.failures = -1
	f.engine.sleep = func(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
		f.h.cancels.Request(f.ticket.ID)
		return waitBackoff(ctx, time.Hour, cancel)
	}

	res, err := f.run("flip", 3)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, models.ExecutionFailed, res.Execution.Status)
	assert.Equal(t, ErrCancelled.Error(), res.Execution.ErrorMessage)
	assert.Equal(t, 1, res.Execution.AttemptCount)
	assert.Equal(t, 1, f.h.auditCount(t, f.ticket.ID, AuditExecutionCancelled))
}

func TestWaitBackoff(t *testing.T) {
	cancel := make(chan struct{})
	require.NoError(t, waitBackoff(context.Background(), time.Millisecond, cancel))

	close(cancel)
	assert.ErrorIs(t, waitBackoff(context.Background(), time.Hour, cancel), ErrCancelled)

	ctx, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, waitBackoff(ctx, time.Hour, make(chan struct{})), context.Canceled)
}
