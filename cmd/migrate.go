package cmd

import (
	"github.com/spf13/cobra"

	"github.com/docsmith/docsmith/db"
	"github.com/docsmith/docsmith/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Applies all pending schema migrations to the configured database.
Migrations are embedded in the binary, so no files are needed at runtime.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return db.Migrate(cfg.DatabaseURL)
}
