package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/prp/internal/prddiff"
)

var diffCmd = &cobra.Command{
	Use:   "diff <prd>",
	Short: "Compare a PRD with the snapshot of the latest session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)
}

func runDiff(cmd *cobra.Command, args []string) error {
	c, err := mustConfig()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read PRD: %w", err)
	}

	latest, err := sessionManager(c).Latest()
	if err != nil {
		return err
	}
	if latest == nil {
		fmt.Println("No sessions yet; the whole PRD is new.")
		return nil
	}

	result := prddiff.Diff(latest.PRDSnapshot, string(data))
	fmt.Println(titleStyle.Render("Against session " + latest.Metadata.ID))
	if !prddiff.HasSignificantChanges(result) {
		fmt.Println(okStyle.Render("No significant changes: 'prp run' resumes this session."))
		return nil
	}
	for _, ch := range result.Changes {
		impact := string(ch.Impact)
		switch ch.Impact {
		case prddiff.ImpactHigh:
			impact = errorStyle.Render(impact)
		case prddiff.ImpactMedium:
			impact = warnStyle.Render(impact)
		default:
			impact = dimStyle.Render(impact)
		}
		fmt.Printf("  %-9s %-8s %s %s\n", ch.Kind, impact, ch.Section,
			dimStyle.Render(fmt.Sprintf("(+%d -%d)", ch.LinesAdded, ch.LinesRemoved)))
	}
	fmt.Println()
	fmt.Println(warnStyle.Render("'prp run' will start a delta session."))
	return nil
}
