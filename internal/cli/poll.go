package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// PollCmd returns the poll command
func PollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Check pending tasks once and dispatch the finished ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, err := e.orchestrator(ctx)
			if err != nil {
				return err
			}
			report, err := orch.PollPending(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Pending:    %d\n", report.Pending)
			fmt.Printf("Dispatched: %d\n", report.Dispatched)
			fmt.Printf("Failed:     %d\n", report.Failed)
			fmt.Printf("Waiting:    %d\n", report.Waiting)
			fmt.Printf("Missing:    %d\n", report.Missing)
			return nil
		},
	}
}
