package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imkarma/prp/internal/backlog"
)

var logCmd = &cobra.Command{
	Use:   "log [item-id]",
	Short: "Show the status transitions of the latest session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLog,
}

var logSession string

func init() {
	logCmd.Flags().StringVar(&logSession, "session", "", "Session id (default: latest)")
	rootCmd.AddCommand(logCmd)
}

func runLog(cmd *cobra.Command, args []string) error {
	c, err := mustConfig()
	if err != nil {
		return err
	}
	s, err := mustStore()
	if err != nil {
		return err
	}
	defer s.Close()

	sessionID := logSession
	if sessionID == "" {
		latest, err := sessionManager(c).Latest()
		if err != nil {
			return err
		}
		if latest == nil {
			fmt.Println("No sessions.")
			return nil
		}
		sessionID = latest.Metadata.ID
	}

	var itemID string
	if len(args) > 0 {
		itemID = args[0]
		if !backlog.ValidID(itemID) {
			return fmt.Errorf("invalid item ID: %s", itemID)
		}
	}

	transitions, err := s.GetTransitions(sessionID, itemID)
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		fmt.Printf("No transitions in session %s\n", sessionID)
		return nil
	}

	fmt.Printf("Transitions in session %s:\n\n", sessionID)
	for _, t := range transitions {
		fmt.Printf("  %s  %-16s %s -> %s  %s\n",
			t.Timestamp.Local().Format("2006-01-02 15:04:05"),
			t.ItemID,
			statusText(backlog.Status(t.OldStatus)),
			statusText(backlog.Status(t.NewStatus)),
			dimStyle.Render(t.Reason))
	}

	if itemID != "" {
		events, err := s.GetEvents(sessionID, itemID)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			fmt.Printf("\nEvents for %s:\n\n", itemID)
		}
		for _, e := range events {
			agent := ""
			if e.Agent != "" {
				agent = fmt.Sprintf("[%s] ", e.Agent)
			}
			fmt.Printf("  %s  %s%-14s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), agent, e.Type, e.Content)
		}
	}
	return nil
}
