package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/observability"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the attempt processing engine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg := config.Get()
		logger := observability.GetLogger()

		if !skipMigrations {
			if err := runMigrations(cfg); err != nil {
				return err
			}
		}

		components, err := buildComponents(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to build components: %w", err)
		}
		defer components.Shutdown()

		components.Engine.Start(ctx)
		logger.Info("Jobpilot started",
			zap.String("version", Version),
			zap.Int("concurrency", cfg.Queue.Concurrency),
			zap.String("addr", cfg.Server.Addr))

		// Blocks until ctx is cancelled, then drains in-flight requests.
		return components.Server.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not run database migrations on start")
}
