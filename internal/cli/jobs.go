package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/smukkama/ecostress-pipeline/internal/database"
)

// JobsCmd returns the jobs command
func JobsCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show a task's request and every recorded job attempt",
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

			req, err := db.GetRequestByTask(ctx, taskID)
			switch {
			case errors.Is(err, database.ErrNotFound):
				fmt.Printf("No request recorded for task %s\n", taskID)
			case err != nil:
				return err
			default:
				fmt.Printf("Request %s (%s), %s to %s, created %s\n", req.RequestID, req.Trigger,
					req.StartDate.Format(dateLayout), req.EndDate.Format(dateLayout), humanize.Time(req.CreatedAt))
				if req.ScenesCount != nil {
					fmt.Printf("  dispatched %d scenes\n", *req.ScenesCount)
				}
				if req.ErrorCode != nil {
					fmt.Printf("  error %s: %s\n", *req.ErrorCode, orDash(req.ErrorMessage))
				}
			}
			fmt.Println()

			jobs, err := db.ListJobs(ctx, taskID)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs recorded")
				return nil
			}
			for _, j := range jobs {
				scope := orDash(j.FeatureID)
				if j.SceneDate != nil {
					scope += " " + *j.SceneDate
				}
				fmt.Printf("  %-8s %s %-44s %s", j.JobType, jobStatusLabel(j.Status), scope, humanize.Time(j.StartedAt))
				if j.ErrorCode != nil {
					fmt.Printf("  %s", *j.ErrorCode)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&taskID, "task", "t", "", "Task id")
	cmd.MarkFlagRequired("task")

	return cmd
}
