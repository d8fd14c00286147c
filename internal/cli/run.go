package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/agent"
	"github.com/imkarma/prp/internal/git"
	"github.com/imkarma/prp/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <prd>",
	Short: "Run the pipeline on a PRD",
	Long: `Runs the complete pipeline on a requirements document:

  1. Opens the session for the PRD (a changed PRD starts a delta session)
  2. Reconciles the backlog with the PRD changes, if any
  3. Architect breaks the PRD into a backlog (skipped when one exists)
  4. Each subtask is researched into a PRP and implemented
  5. QA agent hunts for bugs; fixes are planned and run, up to 3 rounds

Interrupt with Ctrl+C at any time and continue with 'prp resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runContinueOnError bool
	runNoQA            bool
	runBasePath        string
)

func init() {
	runCmd.Flags().BoolVar(&runContinueOnError, "continue-on-error", false, "Treat every failure as non-fatal")
	runCmd.Flags().BoolVar(&runNoQA, "no-qa", false, "Skip the QA cycle")
	runCmd.Flags().StringVar(&runBasePath, "base-path", "", "Directory holding session data (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := mustConfig()
	if err != nil {
		return err
	}
	if runBasePath != "" {
		c.Session.BasePath = runBasePath
	}
	continueOnError := c.Pipeline.ContinueOnError || runContinueOnError

	res, err := runPipeline(cmd.Context(), args[0], continueOnError, c.Pipeline.QA && !runNoQA)
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

// runPipeline wires the stack from the loaded config and runs it once.
// SIGINT and SIGTERM cancel the run, leaving it resumable.
func runPipeline(parent context.Context, prdPath string, continueOnError, qa bool) (*pipeline.Result, error) {
	c, err := mustConfig()
	if err != nil {
		return nil, err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := mustStore()
	if err != nil {
		return nil, err
	}
	defer st.Close()

	agents, err := agent.FromConfig(c, logger)
	if err != nil {
		return nil, err
	}

	workDir := c.Pipeline.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	ctrl := pipeline.New(pipeline.Options{
		PRDPath:         prdPath,
		ContinueOnError: continueOnError,
		QA:              qa,
		AutoCommit:      c.Pipeline.AutoCommit,
		WorkDir:         workDir,
	}, afero.NewOsFs(), sessionManager(c), st, pipeline.AgentsFromRoles(agents), git.New(workDir), logger)

	logger.Info("pipeline starting", zap.String("prd", prdPath), zap.Bool("qa", qa))
	return ctrl.Run(ctx)
}

func printResult(res *pipeline.Result) {
	var sb strings.Builder
	verdict := okStyle.Render("SUCCESS")
	if !res.Success {
		verdict = errorStyle.Render("NOT COMPLETE")
	}
	fmt.Fprintf(&sb, "%s  %s\n\n", titleStyle.Render("prp run"), verdict)
	fmt.Fprintf(&sb, "Run:          %s\n", dimStyle.Render(res.RunID))
	fmt.Fprintf(&sb, "Session:      %s\n", res.SessionPath)
	fmt.Fprintf(&sb, "Final phase:  %s\n", res.FinalPhase)
	fmt.Fprintf(&sb, "Subtasks:     %d total, %s, %s\n", res.TotalTasks,
		okStyle.Render(fmt.Sprintf("%d complete", res.CompletedTasks)),
		errorStyle.Render(fmt.Sprintf("%d failed", res.FailedTasks)))
	if res.FinalPhase == pipeline.PhaseQAComplete || res.FinalPhase == pipeline.PhaseQAFailed {
		fmt.Fprintf(&sb, "Bugs left:    %d\n", res.BugsFound)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(&sb, "%s %s: %s\n", warnStyle.Render("!"), f.Phase, f.Message)
	}
	fmt.Println(boxStyle.Render(strings.TrimRight(sb.String(), "\n")))
}
