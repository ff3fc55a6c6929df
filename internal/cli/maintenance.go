package cli

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/smukkama/ecostress-pipeline/internal/pipeline"
)

// BackfillCmd returns the backfill command
func BackfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Rebuild feature and temperature metadata rows from the stored metadata documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := context.Background()
			db, err := e.database(ctx)
			if err != nil {
				return err
			}
			store, err := e.store(ctx)
			if err != nil {
				return err
			}

			rep, err := pipeline.Backfill(ctx, store, db, e.log)
			if rep != nil {
				printBackfillReport(rep)
			}
			return err
		},
	}
}

// PruneCmd returns the prune command
func PruneCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove _filter outputs superseded by a _filter_wtoff variant of the same scene",
		Long: `prune removes the water-masked outputs of every scene that also has a
water-off variant stored, then rebuilds the ledger rows so they point at the
outputs that remain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := context.Background()
			store, err := e.store(ctx)
			if err != nil {
				return err
			}

			keys, err := pipeline.PruneVariants(ctx, store, dryRun, e.log)
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			for _, k := range keys {
				fmt.Printf("  %s %s\n", color.New(color.FgRed).Sprint(verb), k)
			}
			fmt.Printf("%d superseded objects\n", len(keys))
			if err != nil || dryRun || len(keys) == 0 {
				return err
			}

			db, err := e.database(ctx)
			if err != nil {
				return err
			}
			rep, err := pipeline.Backfill(ctx, store, db, e.log)
			if rep != nil {
				printBackfillReport(rep)
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "List the superseded objects without removing them")

	return cmd
}

func printBackfillReport(rep *pipeline.BackfillReport) {
	fmt.Printf("%d metadata documents, %s restored", rep.Documents,
		color.New(color.FgGreen).Sprint(rep.Restored))
	if len(rep.Skipped) > 0 {
		fmt.Printf(", %s skipped", color.New(color.FgYellow).Sprint(len(rep.Skipped)))
	}
	fmt.Println()
	for _, k := range rep.Skipped {
		fmt.Printf("  skipped %s\n", k)
	}
}
