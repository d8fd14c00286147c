package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/imkarma/prp/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List sessions and recent runs",
	RunE:  runStatus,
}

var statusTree bool

func init() {
	statusCmd.Flags().BoolVar(&statusTree, "tree", false, "Show the backlog of the latest session")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := mustConfig()
	if err != nil {
		return err
	}
	sessions := sessionManager(c)

	metas, err := sessions.ListSessions()
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		fmt.Println("No sessions. Run: prp run PRD.md")
		return nil
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Sessions (%s)", sessions.BasePath())))
	for _, m := range metas {
		parent := ""
		if m.ParentSession != "" {
			parent = dimStyle.Render(" from " + m.ParentSession)
		}
		fmt.Printf("  %s  %s%s\n", m.ID, dimStyle.Render(m.CreatedAt.Local().Format("2006-01-02 15:04")), parent)

		s, err := sessions.LoadSession(m.ID)
		if err != nil {
			fmt.Printf("    %s\n", errorStyle.Render(err.Error()))
			continue
		}
		if s.Backlog == nil {
			fmt.Printf("    %s\n", subtleStyle.Render("not decomposed yet"))
			continue
		}
		fmt.Printf("    %s\n", countsLine(s.Backlog.Counts()))
	}

	if statusTree {
		latest, err := sessions.Latest()
		if err != nil {
			return err
		}
		if latest != nil && latest.Backlog != nil {
			fmt.Println()
			fmt.Println(titleStyle.Render("Backlog of " + latest.Metadata.ID))
			for _, it := range latest.Backlog.Items() {
				fmt.Printf("  %s%s %s [%s]\n", strings.Repeat("  ", it.Depth), it.ID, it.Title, statusText(it.Status))
			}
		}
	}

	st, err := mustStore()
	if err != nil {
		return nil
	}
	defer st.Close()

	runs, err := st.ListRuns(5)
	if err != nil || len(runs) == 0 {
		return err
	}
	fmt.Println()
	fmt.Println(titleStyle.Render("Recent runs"))
	for _, r := range runs {
		status := r.Status
		switch r.Status {
		case store.RunCompleted:
			status = okStyle.Render(status)
		case store.RunFailed:
			status = errorStyle.Render(status)
		case store.RunRunning, store.RunInterrupted:
			status = warnStyle.Render(status)
		}
		fmt.Printf("  %s  %-12s %-16s %s\n", dimStyle.Render(r.RunID[:8]), status, r.Phase, r.PRDPath)
	}
	return nil
}
