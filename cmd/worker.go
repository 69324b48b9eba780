package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/internal/config"
	"github.com/docsmith/docsmith/internal/embed"
	"github.com/docsmith/docsmith/internal/gemini"
	"github.com/docsmith/docsmith/internal/ingest"
	"github.com/docsmith/docsmith/internal/postgres"
	"github.com/docsmith/docsmith/internal/store"
	"github.com/docsmith/docsmith/internal/task"
)

// Stale-claim reaping: a worker that dies mid-task leaves its claim behind
// until the reaper returns it to pending.
const (
	reapInterval = 5 * time.Minute
	reapAge      = 30 * time.Minute
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker pools",
	Long: `Consumes the task queues: the fetch pool runs full sync cycles
(fetch, normalize, chunk, fan out embed tasks) and the embed pool turns
chunks into vectors. Multiple worker processes can run concurrently;
the queue guarantees each task is claimed once.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}
	logger.Info("configuration loaded", "config", cfg.Redacted())

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return err
	}
	logger.Info("sources loaded", "count", len(sources), "file", cfg.SourcesFile)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.New(pool, logger)
	if err != nil {
		return err
	}
	queue, err := task.NewQueue(pool, task.QueueOptions{MaxAttempts: cfg.MaxTaskAttempts}, logger)
	if err != nil {
		return err
	}

	ai, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GenerationModel, cfg.EmbedderModel,
		config.DefaultVectorDimension, logger)
	if err != nil {
		return err
	}

	fetcher, err := ingest.NewFetcher(st, ingest.FetcherConfig{
		Concurrency: cfg.FetchConcurrency,
		RPS:         cfg.FetchRPS,
	}, logger)
	if err != nil {
		return err
	}
	chunker, err := ingest.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return err
	}
	syncer, err := ingest.NewSyncer(fetcher, chunker, st, queue, st, sources, logger)
	if err != nil {
		return err
	}

	embedder, err := embed.NewWorker(st, ai, cfg.EmbedRPS, logger)
	if err != nil {
		return err
	}

	// A sync cycle touches every source, so one at a time is enough; a second
	// concurrent cycle would only fight the first over document versions.
	fetchPool, err := task.NewPool(queue, task.HandlerFunc(syncer.Handle), task.PoolConfig{
		Queue:       task.QueueFetch,
		Concurrency: 1,
	}, logger)
	if err != nil {
		return err
	}

	embedPool, err := task.NewPool(queue, embedder, task.PoolConfig{
		Queue:       task.QueueEmbed,
		Concurrency: cfg.EmbedConcurrency,
		ClaimSize:   cfg.EmbedBatchSize,
	}, logger)
	if err != nil {
		return err
	}

	logger.Info("worker started",
		"embed_concurrency", cfg.EmbedConcurrency,
		"embed_batch_size", cfg.EmbedBatchSize)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		fetchPool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		embedPool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		reapLoop(ctx, queue, logger)
	}()
	wg.Wait()

	logger.Info("worker stopped")
	return nil
}

// reapLoop periodically returns stale claims to pending.
func reapLoop(ctx context.Context, queue *task.Queue, logger *slog.Logger) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := queue.ReapStale(ctx, reapAge)
			if err != nil {
				logger.Warn("failed to reap stale tasks", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reaped stale tasks", "count", n)
			}
		}
	}
}
