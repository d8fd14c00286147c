package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/afero"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/config"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/session"
	"github.com/imkarma/prp/internal/store"
)

const prpDirName = ".prp"

// prpPath returns the path to a file inside .prp/.
func prpPath(parts ...string) string {
	elems := append([]string{prpDirName}, parts...)
	return filepath.Join(elems...)
}

// mustStore opens the project database created by 'prp init'.
func mustStore() (*store.Store, error) {
	dbPath := prpPath("prp.db")
	if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fault.Environment(fault.EnvMissingConfig, err, "%s missing; run 'prp init' first", dbPath)
	}
	s, err := store.New(dbPath)
	if err != nil {
		return nil, fault.Environment(fault.EnvStoreFailed, err, "open %s", dbPath)
	}
	return s, nil
}

// sessionManager opens the session directory configured in c.
func sessionManager(c *config.Config) *session.Manager {
	return session.NewManager(afero.NewOsFs(), c.Session.BasePath, logger)
}

// --- Styles ---

var (
	clrSubtle    = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#666666"}
	clrHighlight = lipgloss.AdaptiveColor{Light: "#0F766E", Dark: "#2DD4BF"}
	clrGreen     = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	clrYellow    = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#F59E0B"}
	clrRed       = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	clrBlue      = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	clrDim       = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#555555"}
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(clrHighlight)
	dimStyle    = lipgloss.NewStyle().Foreground(clrDim)
	subtleStyle = lipgloss.NewStyle().Foreground(clrSubtle)
	okStyle     = lipgloss.NewStyle().Foreground(clrGreen).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(clrYellow)
	errorStyle  = lipgloss.NewStyle().Foreground(clrRed).Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(clrSubtle).
			Padding(0, 1)
)

// statusText colors a work item status.
func statusText(s backlog.Status) string {
	style := subtleStyle
	switch s {
	case backlog.StatusComplete:
		style = lipgloss.NewStyle().Foreground(clrGreen)
	case backlog.StatusResearching, backlog.StatusImplementing:
		style = lipgloss.NewStyle().Foreground(clrBlue)
	case backlog.StatusFailed:
		style = lipgloss.NewStyle().Foreground(clrRed)
	case backlog.StatusObsolete:
		style = dimStyle
	}
	return style.Render(string(s))
}

// countsLine renders subtask counts on one line.
func countsLine(c backlog.Counts) string {
	return fmt.Sprintf("%s  %s  %s  %s  %s  %s",
		fmt.Sprintf("%d subtasks", c.Total),
		okStyle.Render(fmt.Sprintf("%d complete", c.Complete)),
		lipgloss.NewStyle().Foreground(clrBlue).Render(fmt.Sprintf("%d in flight", c.InFlight)),
		fmt.Sprintf("%d planned", c.Planned),
		errorStyle.Render(fmt.Sprintf("%d failed", c.Failed)),
		dimStyle.Render(fmt.Sprintf("%d/%d pts", c.DonePoints, c.Points)),
	)
}
