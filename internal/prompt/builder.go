// Package prompt builds the prompts sent to agents from session data.
// Each prompt reads like a ticket: who the agent is, what the work item
// is, where it sits in the plan, what happened to it so far, and the
// exact shape of the answer we expect back.
package prompt

import (
	"fmt"
	"strings"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/config"
	"github.com/imkarma/prp/internal/prddiff"
	"github.com/imkarma/prp/internal/store"
)

// History returns the recorded events of a work item.
type History interface {
	GetEvents(sessionID, itemID string) ([]store.Event, error)
}

// Builder constructs the prompts for every pipeline role.
type Builder struct {
	history History
}

// New creates a prompt builder. history may be nil.
func New(history History) *Builder {
	return &Builder{history: history}
}

// Decompose asks the architect to turn a PRD into a backlog.
func (b *Builder) Decompose(prd string) string {
	return join(
		roleHeader(config.RoleArchitect),
		"## Product Requirements Document\n"+prd,
		decomposeInstructions,
	)
}

// Research asks the researcher for the PRP of one subtask.
func (b *Builder) Research(sessionID string, bl *backlog.Backlog, s *backlog.Subtask) string {
	return join(
		roleHeader(config.RoleResearcher),
		subtaskSection(s),
		b.parentContext(bl, s),
		dependencySection(bl, s),
		b.eventHistory(sessionID, s.ID),
		researchInstructions,
	)
}

// Implement asks the coder to carry out a subtask following its PRP.
func (b *Builder) Implement(sessionID string, bl *backlog.Backlog, s *backlog.Subtask, prp string) string {
	return join(
		roleHeader(config.RoleCoder),
		subtaskSection(s),
		b.parentContext(bl, s),
		"## Product Requirement Prompt\n"+prp,
		b.eventHistory(sessionID, s.ID),
		implementInstructions,
	)
}

// BugHunt asks QA to test the completed work of a session.
func (b *Builder) BugHunt(prd string, completed []backlog.Subtask, iteration int, changes string) string {
	var sb strings.Builder
	sb.WriteString("## Completed Work\n")
	if len(completed) == 0 {
		sb.WriteString("(nothing completed yet)\n")
	}
	for _, s := range completed {
		fmt.Fprintf(&sb, "- **%s**: %s\n", s.ID, s.Title)
	}

	parts := []string{
		roleHeader(config.RoleQA),
		fmt.Sprintf("This is QA iteration %d.", iteration),
		"## Product Requirements Document\n" + prd,
		sb.String(),
	}
	if changes != "" {
		parts = append(parts, "## Changes (git diff)\n```diff\n"+truncateDiff(changes)+"\n```")
	}
	parts = append(parts, bugHuntInstructions)
	return join(parts...)
}

// Delta asks the architect how a PRD change affects the existing backlog.
func (b *Builder) Delta(oldPRD, newPRD string, diff prddiff.Result, bl *backlog.Backlog) string {
	var sb strings.Builder
	sb.WriteString("## Current Backlog\n")
	for _, it := range bl.Items() {
		fmt.Fprintf(&sb, "%s- %s %s [%s]\n", strings.Repeat("  ", it.Depth), it.ID, it.Title, it.Status)
	}

	return join(
		roleHeader(config.RoleArchitect),
		"## Requirement Changes\n"+diff.Summary(),
		"## Previous PRD\n"+oldPRD,
		"## New PRD\n"+newPRD,
		sb.String(),
		fmt.Sprintf(deltaInstructions, bl.NextPhaseNumber()),
	)
}

func join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimRight(p, "\n"))
		}
	}
	return strings.Join(kept, "\n\n")
}

// truncateDiff limits diff size to avoid blowing up the prompt.
func truncateDiff(diff string) string {
	const maxLen = 8000
	if len(diff) <= maxLen {
		return diff
	}
	return diff[:maxLen] + fmt.Sprintf("\n\n... (diff truncated, %d bytes total)", len(diff))
}

func roleHeader(role string) string {
	switch role {
	case config.RoleArchitect:
		return "# You are a Software Architect\nYour job is to plan the work described by a product requirements document as a hierarchy of phases, milestones, tasks and subtasks."
	case config.RoleResearcher:
		return "# You are a Technical Researcher\nYour job is to write a Product Requirement Prompt (PRP): everything an implementer needs to complete one subtask in a single pass."
	case config.RoleCoder:
		return "# You are a Software Developer\nYour job is to implement the subtask. Write clean, tested code. If something is unclear, say so explicitly."
	case config.RoleQA:
		return "# You are a QA Engineer\nYour job is to find bugs in the implementation. Be creative and adversarial; assume nothing works until you have seen it work."
	default:
		return fmt.Sprintf("# You are working as: %s", role)
	}
}

func subtaskSection(s *backlog.Subtask) string {
	var sb strings.Builder
	sb.WriteString("## Subtask\n")
	fmt.Fprintf(&sb, "**%s: %s**\n", s.ID, s.Title)
	fmt.Fprintf(&sb, "Story points: %d\n", s.StoryPoints)
	if s.ContextScope != "" {
		fmt.Fprintf(&sb, "\n### Context Scope\n%s\n", s.ContextScope)
	}
	return sb.String()
}

// parentContext describes the task and milestone the subtask belongs to.
func (b *Builder) parentContext(bl *backlog.Backlog, s *backlog.Subtask) string {
	var sb strings.Builder
	for _, p := range bl.Phases {
		for _, m := range p.Milestones {
			for _, t := range m.Tasks {
				if !strings.HasPrefix(s.ID, t.ID+".") {
					continue
				}
				sb.WriteString("## Parent Task (for context)\n")
				fmt.Fprintf(&sb, "**%s: %s**\n", t.ID, t.Title)
				if t.Description != "" {
					sb.WriteString(t.Description + "\n")
				}
				fmt.Fprintf(&sb, "\nMilestone %s: %s\nPhase %s: %s\n", m.ID, m.Title, p.ID, p.Title)
				return sb.String()
			}
		}
	}
	return ""
}

func dependencySection(bl *backlog.Backlog, s *backlog.Subtask) string {
	if len(s.Dependencies) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Completed Dependencies\nThis subtask builds on:\n")
	for _, id := range s.Dependencies {
		if dep := bl.FindSubtask(id); dep != nil {
			fmt.Fprintf(&sb, "- %s: %s [%s]\n", dep.ID, dep.Title, dep.Status)
		}
	}
	return sb.String()
}

func (b *Builder) eventHistory(sessionID, itemID string) string {
	if b.history == nil {
		return ""
	}
	events, err := b.history.GetEvents(sessionID, itemID)
	if err != nil {
		return ""
	}

	var relevant []store.Event
	for _, e := range events {
		switch e.Type {
		case store.EventAgentError, store.EventBlocked:
			relevant = append(relevant, e)
		}
	}
	if len(relevant) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## History\n")
	sb.WriteString("Previous attempts on this subtask:\n\n")
	for _, e := range relevant {
		agent := "system"
		if e.Agent != "" {
			agent = e.Agent
		}
		fmt.Fprintf(&sb, "- **[%s]** %s: %s\n", agent, e.Type, e.Content)
	}
	return sb.String()
}
