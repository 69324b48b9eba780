package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/internal/config"
	"github.com/docsmith/docsmith/internal/postgres"
	"github.com/docsmith/docsmith/internal/scheduler"
	"github.com/docsmith/docsmith/internal/store"
	"github.com/docsmith/docsmith/internal/task"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger an ingestion cycle now",
	Long: `Enqueues a sync cycle out of schedule. The cycle itself runs on a
worker process; this command returns as soon as the task is queued. If a
cycle is already in flight the command reports that and exits cleanly.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

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
	sched, err := scheduler.New(st, queue, cfg.SyncInterval, cfg.LeaseTTL, logger)
	if err != nil {
		return err
	}

	started, err := sched.TriggerNow(ctx)
	if err != nil {
		return err
	}
	if !started {
		fmt.Println("A sync cycle is already running; nothing to do.")
		return nil
	}
	fmt.Println("Sync cycle enqueued.")
	return nil
}
