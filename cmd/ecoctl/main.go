package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smukkama/ecostress-pipeline/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ecoctl",
		Short: "ecoctl - operate the ECOSTRESS thermal imagery pipeline",
		Long: `ecoctl submits tasks by hand, polls and dispatches pending tasks and
inspects the job ledger. It also rebuilds ledger rows from stored metadata
and prunes superseded output variants. Configuration is read the same way as the services
(CONFIG_FILE, .env and the environment).`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.SubmitCmd())
	rootCmd.AddCommand(cli.PollCmd())
	rootCmd.AddCommand(cli.DispatchCmd())
	rootCmd.AddCommand(cli.RegionsCmd())
	rootCmd.AddCommand(cli.JobsCmd())
	rootCmd.AddCommand(cli.BackfillCmd())
	rootCmd.AddCommand(cli.PruneCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
