package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"remedy/internal/models"
	"remedy/pkg/integrations"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:remedy_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeAdapter is a scriptable integration.
type fakeAdapter struct {
	name  string
	specs []integrations.ActionSpec

	// failures is the number of leading Apply calls that fail; negative fails every call.
	failures   int
	applyDelay time.Duration
	block      chan struct{}
	started    chan struct{}
	reverseErr error
	before     integrations.State
	sensitive  map[string]string

	mu           sync.Mutex
	applyCalls   int
	reverseCalls int
	startOnce    sync.Once
}

func newFakeAdapter(name string, specs []integrations.ActionSpec) *fakeAdapter {
	return &fakeAdapter{name: name, specs: specs, before: integrations.State{"locked": true}}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Spec(action string) (integrations.ActionSpec, bool) {
	for _, s := range f.specs {
		if s.Type == action {
			return s, true
		}
	}
	return integrations.ActionSpec{}, false
}

func (f *fakeAdapter) CaptureState(ctx context.Context, req integrations.Request) (integrations.State, error) {
	spec, _ := f.Spec(req.Action)
	if !spec.Reversible {
		return nil, integrations.ErrUnsupported
	}
	return f.before, nil
}

func (f *fakeAdapter) Apply(ctx context.Context, req integrations.Request) (*integrations.Result, error) {
	f.mu.Lock()
	f.applyCalls++
	call := f.applyCalls
	f.mu.Unlock()

	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	if f.applyDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.applyDelay):
		}
	}
	if f.failures < 0 || call <= f.failures {
		return nil, fmt.Errorf("%s: simulated failure %d", f.name, call)
	}
	return &integrations.Result{
		Message:   "done " + req.Action,
		After:     integrations.State{"applied": req.Action},
		Sensitive: f.sensitive,
	}, nil
}

func (f *fakeAdapter) Reverse(ctx context.Context, req integrations.Request, before integrations.State) error {
	f.mu.Lock()
	f.reverseCalls++
	f.mu.Unlock()
	return f.reverseErr
}

func (f *fakeAdapter) calls() (apply, reverse int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyCalls, f.reverseCalls
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []integrations.Notification
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, n integrations.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) all() []integrations.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]integrations.Notification(nil), r.sent...)
}

// harness wires the full pipeline against sqlite and fake adapters.
type harness struct {
	db         *gorm.DB
	tickets    *TicketService
	approvals  *ApprovalService
	policies   *PolicyService
	engine     *ExecutionEngine
	queue      *WorkQueue
	pool       *WorkerPool
	audit      *AuditService
	cancels    *CancelRegistry
	notifier   *recordingNotifier
	directory  *fakeAdapter
	vpn        *fakeAdapter
	compliance *fakeAdapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()

	h := &harness{
		db:         db,
		notifier:   &recordingNotifier{},
		directory:  newFakeAdapter("directory", integrations.DirectorySpecs),
		vpn:        newFakeAdapter("vpn", integrations.VPNSpecs),
		compliance: newFakeAdapter("compliance", integrations.ComplianceSpecs),
		cancels:    NewCancelRegistry(),
	}
	h.audit = NewAuditService(db, log)
	h.policies = NewPolicyService(db, log, h.audit)
	if _, err := h.policies.Seed(context.Background(), DefaultPolicies()); err != nil {
		t.Fatalf("seed policies: %v", err)
	}

	locks := NewTicketLocks()
	states := NewStateMachine(h.audit, nil)
	h.queue = NewWorkQueue(db, log, WorkQueueOptions{MaxAttempts: 3, RetryDelay: time.Millisecond})
	h.approvals = NewApprovalService(db, log, h.audit, h.queue, locks, states, nil)
	h.engine = NewExecutionEngine(db, log, ExecutionEngineOptions{
		Registry:       integrations.NewRegistry(h.directory, h.vpn, h.compliance),
		Audit:          h.audit,
		Notifier:       h.notifier,
		Cancels:        h.cancels,
		Retry:          RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		DefaultTimeout: 2 * time.Second,
	})
	h.tickets = NewTicketService(db, log, TicketServiceOptions{
		Classifier: NewClassifier(0.6),
		Diagnosis:  NewDiagnosisEngine(),
		Evaluator:  NewPolicyEvaluator(),
		Policies:   h.policies,
		Approvals:  h.approvals,
		Engine:     h.engine,
		Audit:      h.audit,
		Queue:      h.queue,
		States:     states,
		Locks:      locks,
		Cancels:    h.cancels,
	})
	h.pool = NewWorkerPool(h.queue, h.tickets, log, WorkerPoolOptions{Workers: 2, PollInterval: 5 * time.Millisecond})
	return h
}

func (h *harness) submit(t *testing.T, subject, description, requester string) *models.Ticket {
	t.Helper()
	ticket, err := h.tickets.CreateTicket(context.Background(), &TicketCreateRequest{
		Subject:        subject,
		Description:    description,
		RequesterEmail: requester,
	})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	if _, err := h.pool.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func (h *harness) reload(t *testing.T, id uint) *models.Ticket {
	t.Helper()
	ticket, err := h.tickets.GetTicket(context.Background(), id)
	if err != nil {
		t.Fatalf("reload ticket: %v", err)
	}
	return ticket
}

func (h *harness) setMaxRetries(t *testing.T, category models.Category, n int) {
	t.Helper()
	if _, err := h.policies.Update(context.Background(), category, &PolicyUpdateRequest{MaxRetries: &n}, "admin@corp.example"); err != nil {
		t.Fatalf("update policy: %v", err)
	}
}

func (h *harness) auditCount(t *testing.T, ticketID uint, action string) int {
	t.Helper()
	var n int64
	if err := h.db.Model(&models.AuditLog{}).Where("ticket_id = ? AND action = ?", ticketID, action).Count(&n).Error; err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return int(n)
}
