// Package scheduler triggers periodic sync cycles with single-flight
// protection.
//
// Each tick attempts to take a time-bounded lease before enqueuing the sync
// task. A held lease makes the tick a logged no-op, so overlapping cycles are
// impossible even with several scheduler processes or across restarts. The
// lease is released by the fetch worker on cycle completion, or reclaimed by
// TTL expiry if the cycle died mid-flight.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docsmith/docsmith/internal/task"
)

// LeaseName is the lease guarding sync cycles.
const LeaseName = "sync-lock"

// LeaseStore is the lease surface the scheduler needs. *store.Store
// implements it.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Enqueuer is the queue surface the scheduler needs. *task.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, taskType string, payload any, idempotencyKey string) (bool, error)
}

// Scheduler fires a sync trigger on a fixed interval.
type Scheduler struct {
	leases   LeaseStore
	queue    Enqueuer
	interval time.Duration
	leaseTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time // stubbed in tests
}

// New creates a Scheduler. leaseTTL should be slightly longer than the
// expected cycle duration so a crashed cycle does not block the next one for
// long.
func New(leases LeaseStore, queue Enqueuer, interval, leaseTTL time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if leases == nil {
		return nil, fmt.Errorf("lease store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	if leaseTTL <= 0 {
		return nil, fmt.Errorf("lease TTL must be positive, got %s", leaseTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		leases:   leases,
		queue:    queue,
		interval: interval,
		leaseTTL: leaseTTL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Run blocks until ctx is canceled, attempting a trigger on every tick.
// Trigger errors are transient by definition here: they are logged and the
// next tick tries again.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval, "lease_ttl", s.leaseTTL)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.TriggerNow(ctx); err != nil {
				s.logger.Warn("sync trigger failed, will retry next tick", "error", err)
			}
		}
	}
}

// TriggerNow attempts to start one sync cycle. It returns false without error
// when the lease is already held (a concurrent cycle is in flight).
func (s *Scheduler) TriggerNow(ctx context.Context) (bool, error) {
	holder := uuid.NewString()

	acquired, err := s.leases.AcquireLease(ctx, LeaseName, holder, s.leaseTTL)
	if err != nil {
		return false, fmt.Errorf("lease acquisition: %w", err)
	}
	if !acquired {
		s.logger.Info("sync cycle already in flight, skipping trigger")
		return false, nil
	}

	triggeredAt := s.now().UTC()
	payload := task.FetchSyncPayload{TriggeredAt: triggeredAt, LeaseHolder: holder}
	key := fmt.Sprintf("%s:%s", task.TypeFetchSync, triggeredAt.Format(time.RFC3339Nano))

	enqueued, err := s.queue.Enqueue(ctx, task.QueueFetch, task.TypeFetchSync, payload, key)
	if err != nil {
		// Free the lease so the next tick is not blocked for a full TTL.
		if relErr := s.leases.ReleaseLease(ctx, LeaseName, holder); relErr != nil {
			s.logger.Warn("failed to release lease after enqueue error", "error", relErr)
		}
		return false, fmt.Errorf("enqueue sync task: %w", err)
	}
	if !enqueued {
		s.logger.Warn("sync task deduplicated by idempotency key", "key", key)
	}

	s.logger.Info("sync cycle triggered", "holder", holder, "key", key)
	return true, nil
}
