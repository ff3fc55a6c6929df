package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// DispatchCmd returns the dispatch command
func DispatchCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Fetch a finished task's manifest and publish its scenes",
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
			n, err := orch.DispatchManifest(ctx, taskID)
			if err != nil {
				return err
			}
			fmt.Printf("Dispatched %d scenes of task %s\n", n, taskID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&taskID, "task", "t", "", "Task id")
	cmd.MarkFlagRequired("task")

	return cmd
}
