package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/imkarma/prp/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume an interrupted pipeline run",
	Long: `Resumes a pipeline that was interrupted by a crash, Ctrl+C, or system restart.

Without arguments, lists all interrupted runs so you can pick one.
With a run ID (or a unique prefix of one), resumes that run.

Resuming will:
  1. Mark the interrupted run as ended
  2. Re-run the pipeline on the same PRD with the same settings
  3. Reset subtasks stuck in Researching or Implementing back to Planned
     and continue with the rest of the backlog`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	c, err := mustConfig()
	if err != nil {
		return err
	}
	s, err := mustStore()
	if err != nil {
		return err
	}

	runs, err := s.ListInterruptedRuns()
	if err != nil {
		s.Close()
		return err
	}

	if len(args) == 0 {
		s.Close()
		listInterruptedRuns(runs)
		return nil
	}

	target, err := findRun(runs, args[0])
	if err != nil {
		s.Close()
		return err
	}

	fmt.Printf("%s %s (%s, stopped in %s)\n\n", titleStyle.Render("Resuming"),
		warnStyle.Render(shortID(target.RunID)), target.PRDPath, target.Phase)

	if target.Status == store.RunRunning {
		if err := s.EndPipelineRun(target.RunID, store.RunInterrupted); err != nil {
			s.Close()
			return fmt.Errorf("end old run: %w", err)
		}
	}
	s.Close()

	res, err := runPipeline(cmd.Context(), target.PRDPath, target.ContinueOnError, c.Pipeline.QA)
	if res != nil {
		printResult(res)
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("pipeline finished in %s without success", res.FinalPhase)
	}
	return nil
}

func listInterruptedRuns(runs []store.PipelineRun) {
	if len(runs) == 0 {
		fmt.Println(okStyle.Render("Nothing to resume."))
		return
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%d resumable run(s)", len(runs))))
	for _, run := range runs {
		ago := time.Since(run.StartedAt).Round(time.Minute)
		fmt.Printf("\n  %s  %s %s\n", warnStyle.Render(shortID(run.RunID)), run.PRDPath,
			dimStyle.Render(fmt.Sprintf("(%s, %s ago)", run.Status, ago)))
		fmt.Printf("    stopped in %s", run.Phase)
		if run.SessionID != "" {
			fmt.Printf(" of session %s", run.SessionID)
		}
		if run.ContinueOnError {
			fmt.Print(", continue-on-error")
		}
		fmt.Println()
	}
	fmt.Println("\nResume with: prp resume <run-id prefix>")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// findRun picks the run whose id equals or starts with id.
func findRun(runs []store.PipelineRun, id string) (*store.PipelineRun, error) {
	var found *store.PipelineRun
	for i := range runs {
		if runs[i].RunID == id {
			return &runs[i], nil
		}
		if strings.HasPrefix(runs[i].RunID, id) {
			if found != nil {
				return nil, fmt.Errorf("run id %q is ambiguous", id)
			}
			found = &runs[i]
		}
	}
	if found == nil {
		return nil, fmt.Errorf("run %s not found or not interrupted (already completed?)", id)
	}
	return found, nil
}
