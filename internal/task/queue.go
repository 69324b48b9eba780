package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the PostgreSQL-backed task broker.
//
// Queue is safe for concurrent use by multiple goroutines and processes.
type Queue struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	maxAttempts int32
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// QueueOptions tunes retry behavior.
type QueueOptions struct {
	// MaxAttempts is the attempt budget before a retrying task is
	// dead-lettered. Default 5.
	MaxAttempts int

	// BaseBackoff is the first retry delay; it doubles per attempt up to
	// MaxBackoff. Defaults 30s / 15m.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NewQueue creates a Queue on the given pool.
func NewQueue(pool *pgxpool.Pool, opts QueueOptions, logger *slog.Logger) (*Queue, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Minute
	}
	return &Queue{
		pool:        pool,
		logger:      logger,
		maxAttempts: int32(opts.MaxAttempts), // #nosec G115 -- validated > 0
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
	}, nil
}

// Enqueue inserts a task. The idempotency key deduplicates: enqueuing a key
// that already exists (pending, running, or done) is a no-op and returns
// false, so duplicate triggers never double-apply effects.
func (q *Queue) Enqueue(ctx context.Context, queue, taskType string, payload any, idempotencyKey string) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	tag, err := q.pool.Exec(ctx,
		`INSERT INTO tasks (queue, task_type, payload, idempotency_key)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		queue, taskType, body, idempotencyKey)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s task: %w", taskType, err)
	}

	enqueued := tag.RowsAffected() > 0
	if enqueued {
		q.logger.Debug("task enqueued",
			"queue", queue, "type", taskType, "key", idempotencyKey)
	}
	return enqueued, nil
}

// Claim atomically takes up to n visible pending tasks from a queue channel.
// Claimed tasks move to running with an incremented attempt count; other
// workers skip them via SKIP LOCKED.
func (q *Queue) Claim(ctx context.Context, queue string, n int) ([]*Task, error) {
	rows, err := q.pool.Query(ctx,
		`UPDATE tasks
		 SET status = 'running', attempt_count = attempt_count + 1, updated_at = now()
		 WHERE id IN (
		     SELECT id FROM tasks
		     WHERE queue = $1 AND status = 'pending' AND visible_at <= now()
		     ORDER BY visible_at, created_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED)
		 RETURNING id, queue, task_type, payload, idempotency_key, attempt_count`,
		queue, n)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Queue, &t.Type, &t.Payload,
			&t.IdempotencyKey, &t.AttemptCount); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	return tasks, nil
}

// Resolve applies a handler result to a claimed task: acknowledge on Done,
// requeue with exponential backoff on Retry (dead-letter once the attempt
// budget is spent), dead-letter on Fatal.
func (q *Queue) Resolve(ctx context.Context, t *Task, r Result) error {
	switch r.Kind {
	case KindDone:
		_, err := q.pool.Exec(ctx,
			`UPDATE tasks SET status = 'done', last_error = NULL, updated_at = now()
			 WHERE id = $1`,
			t.ID)
		if err != nil {
			return fmt.Errorf("failed to acknowledge task %s: %w", t.ID, err)
		}
		return nil

	case KindRetry:
		if t.AttemptCount >= q.maxAttempts {
			q.logger.Warn("task exhausted retries, dead-lettering",
				"task_id", t.ID, "type", t.Type, "attempts", t.AttemptCount,
				"error", r.Reason)
			return q.deadLetter(ctx, t, r.Reason)
		}
		delay := q.backoff(t.AttemptCount)
		_, err := q.pool.Exec(ctx,
			`UPDATE tasks
			 SET status = 'pending', visible_at = now() + make_interval(secs => $2),
			     last_error = $3, updated_at = now()
			 WHERE id = $1`,
			t.ID, delay.Seconds(), errString(r.Reason))
		if err != nil {
			return fmt.Errorf("failed to requeue task %s: %w", t.ID, err)
		}
		q.logger.Debug("task requeued",
			"task_id", t.ID, "type", t.Type, "attempt", t.AttemptCount, "delay", delay)
		return nil

	case KindFatal:
		q.logger.Error("task failed permanently",
			"task_id", t.ID, "type", t.Type, "error", r.Reason)
		return q.deadLetter(ctx, t, r.Reason)

	default:
		return fmt.Errorf("unknown result kind %d for task %s", r.Kind, t.ID)
	}
}

// RetryAfter requeues a claimed task with an explicit delay, used when a
// provider supplies a retry hint (rate limits).
func (q *Queue) RetryAfter(ctx context.Context, t *Task, delay time.Duration, reason error) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = 'pending', visible_at = now() + make_interval(secs => $2),
		     last_error = $3, updated_at = now()
		 WHERE id = $1`,
		t.ID, delay.Seconds(), errString(reason))
	if err != nil {
		return fmt.Errorf("failed to delay task %s: %w", t.ID, err)
	}
	return nil
}

// ReapStale returns running tasks older than the given age to pending. Covers
// workers that crashed between claim and resolve; combined with idempotent
// handlers this preserves at-least-once semantics.
func (q *Queue) ReapStale(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = 'pending', updated_at = now()
		 WHERE status = 'running' AND updated_at < now() - make_interval(secs => $1)`,
		age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale tasks: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		q.logger.Warn("reaped stale running tasks", "count", n)
		return n, nil
	}
	return 0, nil
}

func (q *Queue) deadLetter(ctx context.Context, t *Task, reason error) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE tasks SET status = 'dead', last_error = $2, updated_at = now()
		 WHERE id = $1`,
		t.ID, errString(reason))
	if err != nil {
		return fmt.Errorf("failed to dead-letter task %s: %w", t.ID, err)
	}
	return nil
}

// backoff computes the delay before the next attempt: base * 2^(attempt-1),
// capped at maxBackoff.
func (q *Queue) backoff(attempt int32) time.Duration {
	d := q.baseBackoff
	for i := int32(1); i < attempt; i++ {
		d *= 2
		if d >= q.maxBackoff {
			return q.maxBackoff
		}
	}
	return min(d, q.maxBackoff)
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
