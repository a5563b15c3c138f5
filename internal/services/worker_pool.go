package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"remedy/internal/metrics"
	"remedy/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// TicketProcessor advances one ticket through the pipeline.
type TicketProcessor interface {
	Process(ctx context.Context, ticketID uint) error
}

// WorkerPoolOptions 工作池参数
type WorkerPoolOptions struct {
	Workers      int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	Metrics      *metrics.Metrics
}

// WorkerPool 从持久化队列租用任务并驱动流水线
type WorkerPool struct {
	queue     *WorkQueue
	processor TicketProcessor
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	workers      int
	pollInterval time.Duration
	leaseTimeout time.Duration
	owner        string
}

func NewWorkerPool(queue *WorkQueue, processor TicketProcessor, logger *logrus.Logger, opts WorkerPoolOptions) *WorkerPool {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 15 * time.Minute
	}
	host, _ := os.Hostname()
	return &WorkerPool{
		queue:        queue,
		processor:    processor,
		logger:       logger,
		metrics:      opts.Metrics,
		workers:      opts.Workers,
		pollInterval: opts.PollInterval,
		leaseTimeout: opts.LeaseTimeout,
		owner:        fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := fmt.Sprintf("%s/w%d", p.owner, i)
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	p.logger.Infof("Worker pool started with %d worker(s)", p.workers)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p.logger.Info("Worker pool stopped")
	return err
}

func (p *WorkerPool) loop(ctx context.Context, owner string) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item, err := p.queue.Lease(ctx, owner, p.leaseTimeout)
		if err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Warn("Lease failed")
		}
		if item != nil {
			p.handle(ctx, item)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain processes available items until the queue is empty. Used by tests and one-shot runs.
func (p *WorkerPool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		item, err := p.queue.Lease(ctx, p.owner+"/drain", p.leaseTimeout)
		if err != nil {
			return n, err
		}
		if item == nil {
			return n, nil
		}
		p.handle(ctx, item)
		n++
	}
}

// handle processes one item; a panic is recovered and fails the item.
func (p *WorkerPool) handle(ctx context.Context, item *models.WorkItem) {
	log := p.logger.WithFields(logrus.Fields{"ticket_id": item.TicketID, "work_item": item.ID, "reason": item.Reason})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.WorkerPanicked()
				log.Errorf("Pipeline panic: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return p.processor.Process(ctx, item.TicketID)
	}()

	if ctx.Err() != nil {
		// shutting down; the lease expires and the item is recovered
		return
	}
	if err != nil {
		log.WithError(err).Warn("Pipeline run failed; item will be retried")
		if ferr := p.queue.Fail(ctx, item, err); ferr != nil {
			log.WithError(ferr).Error("Could not return item to queue")
		}
		return
	}
	if cerr := p.queue.Complete(ctx, item); cerr != nil {
		log.WithError(cerr).Error("Could not complete work item")
	}
}
