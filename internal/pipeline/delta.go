package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/agent"
	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/session"
	"github.com/imkarma/prp/internal/store"
)

// Reasons recorded for transitions made while reconciling a delta.
const (
	ReasonRemoved  = "Requirement removed from PRD"
	ReasonModified = "Requirement changed in PRD"
)

// DeltaAnalysis is the architect's verdict on how a requirements change
// affects the existing backlog.
type DeltaAnalysis struct {
	Removed   []string        `json:"removed" validate:"dive,itemid"`
	Modified  []string        `json:"modified" validate:"dive,itemid"`
	NewPhases []backlog.Phase `json:"new_phases" validate:"dive"`
	Summary   string          `json:"summary"`
}

// Validate checks field constraints of a.
func (a *DeltaAnalysis) Validate() error {
	if err := backlog.Validator().Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fault.Validation(fault.ValidationSchema, err, "delta analysis: %d invalid fields", len(verrs))
		}
		return fault.Validation(fault.ValidationSchema, err, "delta analysis")
	}
	return nil
}

// handleDelta asks the architect how d affects the backlog and applies the
// answer: removed items become Obsolete, modified subtasks go back to
// Planned and new phases are appended under fresh ids.
func (c *Controller) handleDelta(ctx context.Context, d *session.Delta) error {
	bl := c.sessions.Backlog()
	if bl == nil {
		// Nothing was planned before the change; decomposition covers it.
		c.sessions.MarkDeltaApplied()
		return c.sessions.FlushUpdates()
	}

	var analysis DeltaAnalysis
	err := c.agents.Architect.PromptStructured(ctx, agent.Request{
		Prompt:  c.prompts.Delta(d.OldPRD, d.NewPRD, d.DiffSummary, bl),
		WorkDir: c.opts.WorkDir,
	}, &analysis)
	if err != nil {
		return err
	}

	for _, id := range expand(bl, analysis.Removed, true) {
		if err := c.orch.SetStatus(ctx, id, backlog.StatusObsolete, ReasonRemoved); err != nil {
			return err
		}
	}
	for _, id := range expand(bl, analysis.Modified, false) {
		if err := c.orch.SetStatus(ctx, id, backlog.StatusPlanned, ReasonModified); err != nil {
			return err
		}
	}

	var added []string
	if len(analysis.NewPhases) > 0 {
		err := c.sessions.Update(func(b *backlog.Backlog) error {
			next := b.Clone()
			for _, p := range analysis.NewPhases {
				added = append(added, next.AppendPhase(p))
			}
			if err := next.Validate(); err != nil {
				return err
			}
			*b = *next
			return nil
		})
		if err != nil {
			return err
		}
	}

	c.sessions.MarkDeltaApplied()
	if err := c.sessions.FlushUpdates(); err != nil {
		return err
	}

	summary := fmt.Sprintf("removed=%d modified=%d new_phases=%s: %s",
		len(analysis.Removed), len(analysis.Modified), strings.Join(added, ","), analysis.Summary)
	if err := c.store.AddEvent(c.sessions.Current().Metadata.ID, "", "architect", store.EventDelta, summary); err != nil {
		c.log.Warn("record delta event", zap.Error(err))
	}
	c.log.Info("delta applied",
		zap.Int("removed", len(analysis.Removed)),
		zap.Int("modified", len(analysis.Modified)),
		zap.Strings("new_phases", added))
	return nil
}

// expand resolves ids to the items to transition. A removed parent takes
// its whole subtree with it; a modified parent resets its subtasks. Unknown
// ids are dropped.
func expand(bl *backlog.Backlog, ids []string, withParents bool) []string {
	want := make(map[string]bool)
	for _, id := range ids {
		if _, ok := bl.FindItem(id); ok {
			want[id] = true
		}
	}
	var out []string
	for _, it := range bl.Items() {
		if !withParents && it.Type != backlog.TypeSubtask {
			continue
		}
		if covered(it.ID, want) {
			out = append(out, it.ID)
		}
	}
	return out
}

func covered(id string, roots map[string]bool) bool {
	for {
		if roots[id] {
			return true
		}
		i := strings.LastIndexByte(id, '.')
		if i < 0 {
			return false
		}
		id = id[:i]
	}
}
