// Package cmd wires the docsmith subcommands.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/internal/log"
)

var (
	flagVerbose bool
	flagJSONLog bool
)

var rootCmd = &cobra.Command{
	Use:   "docsmith",
	Short: "Documentation assistant with hybrid retrieval",
	Long: `docsmith keeps a searchable index of documentation sites and answers
questions about them with citations.

The serve command runs the HTTP API, worker runs the ingestion pipeline,
and sync triggers an ingestion cycle out of schedule.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "json-log", false, "log in JSON format")
}

// newLogger builds the process logger from the global flags.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagJSONLog})
}
