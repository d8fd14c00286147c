package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:   "watch <prd>",
	Short: "Report requirement changes as the PRD is edited",
	Long: `Watches a PRD and prints a summary whenever an edit changes its
requirements relative to the latest session. Whitespace-only edits are
ignored. With --run, each change also starts a pipeline run.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var watchRun bool

func init() {
	watchCmd.Flags().BoolVar(&watchRun, "run", false, "Run the pipeline after each change")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := mustConfig()
	if err != nil {
		return err
	}

	var baseline string
	latest, err := sessionManager(c).Latest()
	if err != nil {
		return err
	}
	if latest != nil {
		baseline = latest.PRDSnapshot
	}

	w, err := watch.New(args[0], baseline, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Watching %s (Ctrl+C to stop)\n", args[0])
	return w.Run(ctx, func(ch watch.Change) {
		fmt.Println(titleStyle.Render("PRD changed"))
		fmt.Print(ch.Result.Summary())
		if len(ch.Result.HighImpact()) > 0 {
			fmt.Println(errorStyle.Render("High impact changes: APIs or schemas may need rework."))
		}
		if !watchRun {
			return
		}
		res, err := runPipeline(ctx, args[0], c.Pipeline.ContinueOnError, c.Pipeline.QA)
		if res != nil {
			printResult(res)
		}
		if err != nil {
			logger.Error("pipeline run failed", zap.Error(err))
		}
	})
}
