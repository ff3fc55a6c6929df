package cli

import (
	"github.com/fatih/color"

	"github.com/smukkama/ecostress-pipeline/internal/database"
	"github.com/smukkama/ecostress-pipeline/internal/pipeline"
)

func stateLabel(s pipeline.RunState) string {
	switch s {
	case pipeline.StateCompleted, pipeline.StateDispatched:
		return color.New(color.FgGreen).Sprint(string(s))
	case pipeline.StateAbortedEarly:
		return color.New(color.FgRed).Sprint(string(s))
	default:
		return color.New(color.FgYellow).Sprint(string(s))
	}
}

func jobStatusLabel(s database.JobStatus) string {
	switch s {
	case database.JobSuccess:
		return color.New(color.FgGreen).Sprintf("%-7s", s)
	case database.JobFailed:
		return color.New(color.FgRed).Sprintf("%-7s", s)
	default:
		return color.New(color.FgYellow).Sprintf("%-7s", s)
	}
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
