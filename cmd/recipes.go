package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jobpilot-dev/jobpilot/internal/config"
	"github.com/jobpilot-dev/jobpilot/internal/observability"
	"github.com/jobpilot-dev/jobpilot/internal/recipes"
)

var recipesCmd = &cobra.Command{
	Use:   "recipes",
	Short: "List learned application recipes and their replay health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg := config.Get()
		logger := observability.GetLogger()

		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		cache := recipes.New(pool, logger, cfg.Recipes)
		summaries, err := cache.List(ctx)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no recipes recorded yet")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PLATFORM\tATS\tVERSION\tSUCCESS\tUSED\tSAVED\tSTATE")
		for _, s := range summaries {
			state := "active"
			if s.Demoted {
				state = "demoted"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%d\t$%.3f\t%s\n",
				s.Platform, s.ATSType, s.Version, s.SuccessRate, s.TimesUsed, s.TotalSaved, state)
		}
		return w.Flush()
	},
}
