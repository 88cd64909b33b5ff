package cmd

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/observability"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrations(config.Get())
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "db/migrations", "directory with migration files")
}

// runMigrations brings the schema up to date. goose records applied
// versions in its own table, so running this on every start is idempotent.
func runMigrations(cfg *config.Config) error {
	logger := observability.GetLogger()

	db, err := sql.Open("pgx", cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	logger.Info("Database schema up to date", zap.String("dir", migrationsDir))
	return nil
}
