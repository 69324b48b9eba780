package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/api"
	"github.com/docsmith/docsmith/internal/chat"
	"github.com/docsmith/docsmith/internal/config"
	"github.com/docsmith/docsmith/internal/gemini"
	"github.com/docsmith/docsmith/internal/postgres"
	"github.com/docsmith/docsmith/internal/retrieval"
	"github.com/docsmith/docsmith/internal/scheduler"
	"github.com/docsmith/docsmith/internal/store"
	"github.com/docsmith/docsmith/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts the JSON/SSE API: session management, streamed chat with
citations, hybrid search, and the sync trigger. The periodic sync
scheduler runs alongside the server; actual ingestion work is consumed
by the worker command.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}
	logger.Info("configuration loaded", "config", cfg.Redacted())

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
	sessions, err := chat.NewStore(pool, logger)
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

	retriever, err := retrieval.New(st, ai, retrieval.Config{
		TopK:        cfg.TopK,
		RRFConstant: cfg.RRFConstant,
		MinScore:    cfg.MinFusedScore,
	}, logger)
	if err != nil {
		return err
	}

	orchestrator, err := chat.NewOrchestrator(sessions, retriever, ai, chat.Config{
		HistoryWindow:      cfg.HistoryWindow,
		ContextTokenBudget: cfg.ContextTokenBudget,
		TopK:               cfg.TopK,
	}, logger)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(st, queue, cfg.SyncInterval, cfg.LeaseTTL, logger)
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.ServerConfig{
		Logger:    logger,
		Sessions:  sessions,
		Messenger: orchestrator,
		Searcher:  retriever,
		Sync:      sched,
		Pool:      pool,
		Pending:   st,
	})
	if err != nil {
		return err
	}

	go sched.Run(ctx)

	return server.ListenAndServe(ctx, cfg.HTTPAddr, logger)
}
