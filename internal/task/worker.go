package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Broker is the queue surface a worker pool consumes. *Queue implements it;
// tests substitute fakes.
type Broker interface {
	Claim(ctx context.Context, queue string, n int) ([]*Task, error)
	Resolve(ctx context.Context, t *Task, r Result) error
}

// Handler processes a batch of claimed tasks and returns one Result per task,
// in order. Handlers must be idempotent: delivery is at least once.
type Handler interface {
	HandleBatch(ctx context.Context, tasks []*Task) []Result
}

// HandlerFunc adapts a per-task function to Handler.
type HandlerFunc func(ctx context.Context, t *Task) Result

// HandleBatch calls the function once per task.
func (f HandlerFunc) HandleBatch(ctx context.Context, tasks []*Task) []Result {
	results := make([]Result, len(tasks))
	for i, t := range tasks {
		results[i] = f(ctx, t)
	}
	return results
}

// Pool runs a fixed number of workers consuming one queue channel.
// Workers share no in-memory state; all coordination goes through the broker.
type Pool struct {
	broker       Broker
	handler      Handler
	queue        string
	concurrency  int
	claimSize    int
	pollInterval time.Duration
	logger       *slog.Logger
}

// PoolConfig configures a worker pool.
type PoolConfig struct {
	// Queue is the channel to consume (QueueFetch, QueueEmbed).
	Queue string

	// Concurrency is the number of worker goroutines. Default 1.
	Concurrency int

	// ClaimSize is how many tasks one worker claims per iteration. Values
	// above 1 let the handler batch external calls. Default 1.
	ClaimSize int

	// PollInterval is the idle sleep between empty claims. Default 2s.
	PollInterval time.Duration
}

// NewPool creates a worker pool.
func NewPool(broker Broker, handler Handler, cfg PoolConfig, logger *slog.Logger) (*Pool, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimSize <= 0 {
		cfg.ClaimSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		broker:       broker,
		handler:      handler,
		queue:        cfg.Queue,
		concurrency:  cfg.Concurrency,
		claimSize:    cfg.ClaimSize,
		pollInterval: cfg.PollInterval,
		logger:       logger.With("queue", cfg.Queue),
	}, nil
}

// Run blocks until ctx is canceled, consuming tasks with the configured
// concurrency. Handler and broker errors are logged, never fatal: a worker
// pool outlives any individual task failure.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.concurrency; i++ {
		go func(worker int) {
			defer func() { done <- struct{}{} }()
			p.runWorker(ctx, worker)
		}(i)
	}
	for i := 0; i < p.concurrency; i++ {
		<-done
	}
}

func (p *Pool) runWorker(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		tasks, err := p.broker.Claim(ctx, p.queue, p.claimSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("claim failed", "error", err)
			if !sleepCtx(ctx, p.pollInterval) {
				return
			}
			continue
		}

		if len(tasks) == 0 {
			if !sleepCtx(ctx, p.pollInterval) {
				return
			}
			continue
		}

		results := p.handler.HandleBatch(ctx, tasks)
		if len(results) != len(tasks) {
			logger.Error("handler returned wrong result count",
				"tasks", len(tasks), "results", len(results))
			continue
		}

		for i, t := range tasks {
			if err := p.broker.Resolve(ctx, t, results[i]); err != nil {
				// The task stays running and will be reaped; the
				// handler's idempotency makes the redo safe.
				logger.Warn("resolve failed", "task_id", t.ID, "error", err)
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// sleepCtx sleeps for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
