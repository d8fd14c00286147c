package qa

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/session"
	"github.com/imkarma/prp/internal/store"
)

// MaxIterations caps the number of bug hunts in one fix cycle.
const MaxIterations = 3

// FixPhaseID is the phase that collects fix subtasks.
const FixPhaseID = "PFIX"

// Executor runs a single subtask.
type Executor interface {
	ExecuteSubtask(ctx context.Context, id string) (backlog.Status, error)
}

// Recorder is the part of the audit store the cycle writes to.
type Recorder interface {
	AddEvent(sessionID, itemID, agent, eventType, content string) error
	AddArtifact(sessionID, itemID, artifactType, filePath string) error
}

// Outcome is the result of a fix cycle.
type Outcome struct {
	Passed     bool
	Iterations int
	// Results of the last bug hunt.
	Results *TestResults
	Fixes   []string
}

// BugsFound returns the number of bugs in the last hunt.
func (o *Outcome) BugsFound() int {
	if o == nil || o.Results == nil {
		return 0
	}
	return len(o.Results.Bugs)
}

// Cycle alternates bug hunts and fix subtasks.
type Cycle struct {
	hunter          BugHunter
	exec            Executor
	sessions        *session.Manager
	audit           Recorder
	continueOnError bool
	log             *zap.Logger

	MaxIterations int
}

// NewCycle creates a fix cycle. audit may be nil.
func NewCycle(hunter BugHunter, exec Executor, sessions *session.Manager, audit Recorder, continueOnError bool, log *zap.Logger) *Cycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cycle{
		hunter:          hunter,
		exec:            exec,
		sessions:        sessions,
		audit:           audit,
		continueOnError: continueOnError,
		log:             log.Named("qa"),
		MaxIterations:   MaxIterations,
	}
}

// Run hunts for bugs until none is blocking or the iteration cap is hit.
// Hitting the cap is reported through Outcome.Passed, not as an error.
func (c *Cycle) Run(ctx context.Context) (*Outcome, error) {
	out := &Outcome{}
	for iter := 1; iter <= c.MaxIterations; iter++ {
		bl := c.sessions.Backlog()
		if bl == nil {
			return out, fault.Session(fault.SessionNotInitialized, nil, "no backlog loaded")
		}

		results, err := c.hunter.Hunt(ctx, iter, bl.Completed())
		if err != nil {
			return out, err
		}
		if err := results.Validate(); err != nil {
			return out, err
		}
		out.Iterations = iter
		out.Results = results
		c.record(iter, results)

		if results.Passed() {
			out.Passed = true
			c.log.Info("qa passed", zap.Int("iteration", iter), zap.Int("remaining_bugs", len(results.Bugs)))
			return out, nil
		}
		if iter == c.MaxIterations {
			c.log.Warn("qa iteration cap reached", zap.Int("iterations", iter), zap.Int("blocking", len(results.Blocking())))
			return out, nil
		}

		ids, err := c.addFixes(results.Bugs)
		if err != nil {
			return out, err
		}
		out.Fixes = append(out.Fixes, ids...)

		for _, id := range ids {
			if _, err := c.exec.ExecuteSubtask(ctx, id); err != nil {
				if ctx.Err() != nil || fault.IsFatal(err, c.continueOnError) {
					return out, err
				}
				c.log.Warn("fix subtask failed", zap.String("item", id), zap.Error(err))
			}
		}
	}
	return out, nil
}

// record persists the results of one iteration as qa/iteration-<n>.json.
func (c *Cycle) record(iter int, results *TestResults) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		c.log.Warn("encode test results", zap.Error(err))
		return
	}
	p, err := c.sessions.WriteArtifact(path.Join(session.QADir, fmt.Sprintf("iteration-%d.json", iter)), append(data, '\n'))
	if err != nil {
		c.log.Warn("save test results", zap.Int("iteration", iter), zap.Error(err))
		return
	}
	if c.audit == nil {
		return
	}
	sid := c.sessions.Current().Metadata.ID
	summary := fmt.Sprintf("iteration %d: %d bugs, %d blocking", iter, len(results.Bugs), len(results.Blocking()))
	if err := c.audit.AddArtifact(sid, FixPhaseID, store.ArtifactQAReport, p); err != nil {
		c.log.Warn("record qa artifact", zap.Error(err))
	}
	if err := c.audit.AddEvent(sid, FixPhaseID, "qa", store.EventQAIteration, summary); err != nil {
		c.log.Warn("record qa event", zap.Error(err))
	}
}

// addFixes appends one milestone of fix subtasks, one task per bug, under
// the fix phase and returns the new subtask ids.
func (c *Cycle) addFixes(bugs []Bug) ([]string, error) {
	var ids []string
	err := c.sessions.Update(func(b *backlog.Backlog) error {
		phase := fixPhase(b)
		mID := fmt.Sprintf("%s.M%d", FixPhaseID, nextMilestone(phase))
		m := backlog.Milestone{
			Type:   backlog.TypeMilestone,
			ID:     mID,
			Title:  fmt.Sprintf("QA fixes %d", len(phase.Milestones)+1),
			Status: backlog.StatusPlanned,
		}
		for i, bug := range bugs {
			tID := fmt.Sprintf("%s.T%d", mID, i+1)
			sID := tID + ".S1"
			title := fmt.Sprintf("Fix %s: %s", bug.ID, bug.Title)
			m.Tasks = append(m.Tasks, backlog.Task{
				Type:        backlog.TypeTask,
				ID:          tID,
				Title:       title,
				Status:      backlog.StatusPlanned,
				Description: bug.Description,
				Subtasks: []backlog.Subtask{{
					Type:         backlog.TypeSubtask,
					ID:           sID,
					Title:        title,
					Status:       backlog.StatusPlanned,
					StoryPoints:  bug.Severity.StoryPoints(),
					Dependencies: []string{},
					ContextScope: fixScope(bug),
				}},
			})
			ids = append(ids, sID)
		}
		phase.Milestones = append(phase.Milestones, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("created fix subtasks", zap.Strings("items", ids))
	return ids, c.sessions.FlushUpdates()
}

// fixPhase returns the fix phase of b, creating it when missing.
func fixPhase(b *backlog.Backlog) *backlog.Phase {
	for i := range b.Phases {
		if b.Phases[i].ID == FixPhaseID {
			return &b.Phases[i]
		}
	}
	b.Phases = append(b.Phases, backlog.Phase{
		Type:        backlog.TypePhase,
		ID:          FixPhaseID,
		Title:       "QA fixes",
		Status:      backlog.StatusPlanned,
		Description: "Fixes for bugs found by the verification loop.",
	})
	return &b.Phases[len(b.Phases)-1]
}

func nextMilestone(p *backlog.Phase) int {
	highest := 0
	for _, m := range p.Milestones {
		n, err := strconv.Atoi(strings.TrimPrefix(m.ID, p.ID+".M"))
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}

func fixScope(bug Bug) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Bug %s (%s): %s\n", bug.ID, bug.Severity, bug.Title)
	if bug.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", bug.Description)
	}
	if bug.Reproduction != "" {
		fmt.Fprintf(&sb, "Reproduction: %s\n", bug.Reproduction)
	}
	if bug.Location != "" {
		fmt.Fprintf(&sb, "Location: %s\n", bug.Location)
	}
	sb.WriteString("Acceptance criteria: the reproduction steps no longer show the bug, " +
		"a regression test covers it, and existing tests still pass.")
	return sb.String()
}
