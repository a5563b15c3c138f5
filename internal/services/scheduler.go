package services

import (
	"context"
	"fmt"

	"remedy/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// SchedulerOptions 定时任务表达式（标准五段 cron）
type SchedulerOptions struct {
	RecoverySchedule string
	GaugeSchedule    string
}

// Scheduler 周期任务：回收过期租约、刷新队列与审批指标
type Scheduler struct {
	cron      *cron.Cron
	queue     *WorkQueue
	approvals *ApprovalService
	metrics   *metrics.Metrics
	logger    *logrus.Logger
}

// ParseSchedule validates a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(expr)
}

func NewScheduler(queue *WorkQueue, approvals *ApprovalService, m *metrics.Metrics, logger *logrus.Logger, opts SchedulerOptions) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RecoverySchedule == "" {
		opts.RecoverySchedule = "*/1 * * * *"
	}
	if opts.GaugeSchedule == "" {
		opts.GaugeSchedule = "*/1 * * * *"
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithChain(cron.Recover(cron.PrintfLogger(logger)), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s := &Scheduler{cron: c, queue: queue, approvals: approvals, metrics: m, logger: logger}

	if _, err := c.AddFunc(opts.RecoverySchedule, s.recoverLeases); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", opts.RecoverySchedule, err)
	}
	if _, err := c.AddFunc(opts.GaugeSchedule, s.refreshGauges); err != nil {
		return nil, fmt.Errorf("invalid gauge schedule %q: %w", opts.GaugeSchedule, err)
	}
	return s, nil
}

// Start runs the jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) recoverLeases() {
	if _, err := s.queue.RecoverExpired(context.Background()); err != nil {
		s.logger.WithError(err).Warn("Lease recovery failed")
	}
}

func (s *Scheduler) refreshGauges() {
	ctx := context.Background()
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Queue depth refresh failed")
	} else {
		s.metrics.SetQueueDepth(depth)
	}
	if s.approvals == nil {
		return
	}
	n, err := s.approvals.PendingCount(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Pending approval count failed")
		return
	}
	s.metrics.SetPendingApprovals(n)
}
