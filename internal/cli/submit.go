package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/pipeline"
)

const dateLayout = "2006-01-02"

// SubmitCmd returns the submit command
func SubmitCmd() *cobra.Command {
	var (
		startFlag, endFlag string
		days               int
		requestID          string
		wait, local        bool
		workers            int
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task for a date window",
		Long: `Submit an area task covering every configured region.

Without --start/--end the window is the configured number of days ending
yesterday. With --wait the command polls the task and dispatches its scenes
to the queue; --local processes the scenes in this process instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.close()
			if days < 1 {
				days = e.cfg.Pipeline.WindowDays
			}
			start, end, err := resolveWindow(time.Now(), startFlag, endFlag, days)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, err := e.orchestrator(ctx)
			if err != nil {
				return err
			}
			req := pipeline.SubmitRequest{
				RequestID: requestID,
				Trigger:   database.TriggerManual,
				Start:     start,
				End:       end,
			}
			fmt.Printf("Window: %s to %s\n", start.Format(dateLayout), end.Format(dateLayout))

			if !wait {
				taskID, err := orch.Submit(ctx, req)
				if err != nil {
					return err
				}
				fmt.Printf("Task submitted: %s\n", taskID)
				return nil
			}

			if local {
				proc, err := e.processor(ctx)
				if err != nil {
					return err
				}
				orch.WithLocalProcessing(proc, workers)
			}
			report, err := orch.Run(ctx, req)
			printRunReport(report)
			return err
		},
	}

	cmd.Flags().StringVar(&startFlag, "start", "", "Window start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endFlag, "end", "", "Window end date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&days, "days", 0, "Window length in days when no dates are given")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Request id to record (generated when empty)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the task and dispatch its scenes")
	cmd.Flags().BoolVar(&local, "local", false, "Process scenes in this process (with --wait)")
	cmd.Flags().IntVar(&workers, "workers", 2, "Concurrent scenes with --local")

	return cmd
}

// resolveWindow parses the explicit window or falls back to the default one.
// Giving only one of start and end is an error.
func resolveWindow(now time.Time, start, end string, days int) (time.Time, time.Time, error) {
	if start == "" && end == "" {
		s, e := pipeline.Window(now, days)
		return s, e, nil
	}
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--start and --end must be given together")
	}
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s after %s", pipeline.ErrInvalidWindow, start, end)
	}
	return s, e, nil
}

func printRunReport(r *pipeline.RunReport) {
	if r == nil {
		return
	}
	fmt.Println()
	fmt.Printf("Request: %s\n", r.RequestID)
	if r.TaskID != "" {
		fmt.Printf("Task:    %s\n", r.TaskID)
	}
	fmt.Printf("State:   %s\n", stateLabel(r.State))
	if r.Code != "" {
		fmt.Printf("Code:    %s\n", r.Code)
	}
	if r.Scenes > 0 {
		fmt.Printf("Scenes:  %d\n", r.Scenes)
	}
	for _, o := range []pipeline.Outcome{
		pipeline.OutcomePublished,
		pipeline.OutcomeAlreadyPublished,
		pipeline.OutcomeInProgress,
		pipeline.OutcomeFailed,
	} {
		if n := r.Outcomes[o]; n > 0 {
			fmt.Printf("  %-18s %d\n", o, n)
		}
	}
}
