package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remedy/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Work item reasons.
const (
	ReasonIntake   = "intake"
	ReasonApproved = "approved"
	ReasonRequeue  = "requeue"
	ReasonRetry    = "retry"
)

const leaseContention = 5

// WorkQueueOptions 队列参数
type WorkQueueOptions struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// WorkQueue 持久化工作队列（数据库表），租约 + 乐观更新保证单消费者
type WorkQueue struct {
	db          *gorm.DB
	logger      *logrus.Logger
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
}

func NewWorkQueue(db *gorm.DB, logger *logrus.Logger, opts WorkQueueOptions) *WorkQueue {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Second
	}
	return &WorkQueue{db: db, logger: logger, maxAttempts: opts.MaxAttempts, retryDelay: opts.RetryDelay, now: time.Now}
}

// EnqueueWithDB adds an item inside tx unless one is already queued for the ticket.
// Leased items do not suppress a new one so that events arriving mid-processing are kept.
func (q *WorkQueue) EnqueueWithDB(tx *gorm.DB, ticketID uint, priority models.Priority, reason string) (bool, error) {
	var queued int64
	if err := tx.Model(&models.WorkItem{}).
		Where("ticket_id = ? AND status = ?", ticketID, models.WorkQueued).
		Count(&queued).Error; err != nil {
		return false, fmt.Errorf("failed to check queue: %w", err)
	}
	if queued > 0 {
		return false, nil
	}
	item := &models.WorkItem{
		TicketID:     ticketID,
		Reason:       reason,
		Status:       models.WorkQueued,
		PriorityRank: priority.Rank(),
		AvailableAt:  q.now().UTC(),
	}
	if err := tx.Create(item).Error; err != nil {
		return false, fmt.Errorf("failed to enqueue ticket %d: %w", ticketID, err)
	}
	return true, nil
}

// Enqueue 入队
func (q *WorkQueue) Enqueue(ctx context.Context, ticketID uint, priority models.Priority, reason string) (bool, error) {
	var added bool
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		added, err = q.EnqueueWithDB(tx, ticketID, priority, reason)
		return err
	})
	return added, err
}

// Lease claims the highest-priority available item for owner. It returns nil when the queue is empty.
func (q *WorkQueue) Lease(ctx context.Context, owner string, leaseFor time.Duration) (*models.WorkItem, error) {
	db := q.db.WithContext(ctx)
	for i := 0; i < leaseContention; i++ {
		now := q.now().UTC()
		var item models.WorkItem
		err := db.Where("status = ? AND available_at <= ?", models.WorkQueued, now).
			Order("priority_rank DESC, id ASC").
			First(&item).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to poll queue: %w", err)
		}

		expires := now.Add(leaseFor)
		res := db.Model(&models.WorkItem{}).
			Where("id = ? AND status = ?", item.ID, models.WorkQueued).
			Updates(map[string]interface{}{
				"status":           models.WorkLeased,
				"lease_owner":      owner,
				"lease_expires_at": expires,
				"attempts":         gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to lease item %d: %w", item.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			item.Status = models.WorkLeased
			item.LeaseOwner = owner
			item.LeaseExpiresAt = &expires
			item.Attempts++
			return &item, nil
		}
		// another worker won the race; try the next candidate
	}
	return nil, nil
}

// Complete 标记完成
func (q *WorkQueue) Complete(ctx context.Context, item *models.WorkItem) error {
	err := q.db.WithContext(ctx).Model(&models.WorkItem{}).
		Where("id = ? AND status = ?", item.ID, models.WorkLeased).
		Updates(map[string]interface{}{"status": models.WorkDone, "last_error": ""}).Error
	if err != nil {
		return fmt.Errorf("failed to complete item %d: %w", item.ID, err)
	}
	return nil
}

// Fail returns the item to the queue with backoff, or marks it dead after MaxAttempts.
func (q *WorkQueue) Fail(ctx context.Context, item *models.WorkItem, cause error) error {
	updates := map[string]interface{}{"last_error": cause.Error(), "lease_owner": ""}
	if item.Attempts >= q.maxAttempts {
		updates["status"] = models.WorkDead
		q.logger.WithError(cause).Errorf("Work item %d for ticket %d dead after %d attempts", item.ID, item.TicketID, item.Attempts)
	} else {
		shift := item.Attempts - 1
		if shift < 0 {
			shift = 0
		}
		if shift > 10 {
			shift = 10
		}
		updates["status"] = models.WorkQueued
		updates["available_at"] = q.now().UTC().Add(time.Duration(1<<shift) * q.retryDelay)
	}
	err := q.db.WithContext(ctx).Model(&models.WorkItem{}).
		Where("id = ? AND status = ?", item.ID, models.WorkLeased).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to fail item %d: %w", item.ID, err)
	}
	return nil
}

// RecoverExpired requeues items whose lease ran out (crashed or stuck worker).
func (q *WorkQueue) RecoverExpired(ctx context.Context) (int64, error) {
	now := q.now().UTC()
	res := q.db.WithContext(ctx).Model(&models.WorkItem{}).
		Where("status = ? AND lease_expires_at < ?", models.WorkLeased, now).
		Updates(map[string]interface{}{"status": models.WorkQueued, "lease_owner": "", "available_at": now})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to recover leases: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Warnf("Recovered %d expired work item lease(s)", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// CancelForTicketWithDB drops queued items for a closed ticket.
func (q *WorkQueue) CancelForTicketWithDB(tx *gorm.DB, ticketID uint) error {
	return tx.Model(&models.WorkItem{}).
		Where("ticket_id = ? AND status = ?", ticketID, models.WorkQueued).
		Updates(map[string]interface{}{"status": models.WorkDone, "last_error": "ticket closed"}).Error
}

// Depth counts items per status.
func (q *WorkQueue) Depth(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := q.db.WithContext(ctx).Model(&models.WorkItem{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count queue: %w", err)
	}
	depth := map[string]int64{
		string(models.WorkQueued): 0,
		string(models.WorkLeased): 0,
		string(models.WorkDead):   0,
	}
	for _, r := range rows {
		depth[r.Status] = r.Count
	}
	return depth, nil
}
