// Package orchestrator executes subtasks of the active session: it moves
// each one through research and implementation, records every status
// change in the audit log, and flushes the registry after each subtask.
package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/agent"
	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/prompt"
	"github.com/imkarma/prp/internal/session"
	"github.com/imkarma/prp/internal/store"
)

// Reasons recorded with the standard transitions.
const (
	ReasonResearch  = "Starting PRP generation"
	ReasonImplement = "Starting implementation"
	ReasonComplete  = "Implementation completed successfully"
	ReasonRecovered = "Recovered after interrupted run"
)

// Audit is the append-only record of what happened to work items.
type Audit interface {
	RecordTransition(t store.Transition) (*store.Transition, error)
	AddEvent(sessionID, itemID, agent, eventType, content string) error
	AddArtifact(sessionID, itemID, artifactType, filePath string) error
}

// Committer snapshots the working tree after a subtask completes.
type Committer interface {
	CommitAll(message string) (string, error)
}

// Options tune an Orchestrator.
type Options struct {
	ContinueOnError bool
	WorkDir         string
	// Committer is optional; nil disables auto-commit.
	Committer Committer
}

// Orchestrator runs subtasks one at a time.
type Orchestrator struct {
	sessions   *session.Manager
	audit      Audit
	prompts    *prompt.Builder
	researcher agent.Agent
	coder      agent.Agent
	opts       Options
	log        *zap.Logger
	now        func() time.Time
}

// New creates an Orchestrator.
func New(sessions *session.Manager, audit Audit, prompts *prompt.Builder, researcher, coder agent.Agent, opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		sessions:   sessions,
		audit:      audit,
		prompts:    prompts,
		researcher: researcher,
		coder:      coder,
		opts:       opts,
		log:        log.Named("orchestrator"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) sessionID() string {
	if s := o.sessions.Current(); s != nil {
		return s.Metadata.ID
	}
	return ""
}

// SetStatus is the single mutation primitive for item statuses. The
// transition is logged before it is applied, and any status may replace
// any other.
func (o *Orchestrator) SetStatus(ctx context.Context, id string, status backlog.Status, reason string) error {
	bl := o.sessions.Backlog()
	if bl == nil {
		return fault.Session(fault.SessionNotInitialized, nil, "no backlog loaded")
	}
	item, ok := bl.FindItem(id)
	if !ok {
		return fault.Task(fault.TaskNotFound, nil, "item %s not found", id)
	}

	t, err := o.audit.RecordTransition(store.Transition{
		SessionID: o.sessionID(),
		ItemID:    id,
		OldStatus: string(item.Status),
		NewStatus: string(status),
		Reason:    reason,
		Timestamp: o.now(),
	})
	if err != nil {
		return fault.Environment(fault.EnvStoreFailed, err, "record transition of %s", id)
	}
	o.log.Info("status",
		zap.String("item", id),
		zap.String("from", t.OldStatus),
		zap.String("to", t.NewStatus),
		zap.String("reason", reason),
		zap.String("event", t.EventID))

	_, err = o.sessions.UpdateItemStatus(id, status)
	return err
}

// ExecuteSubtask runs one subtask from research to completion and returns
// its terminal status. Agent failures mark the subtask Failed and return a
// nil error unless they are fatal. The registry is flushed on every exit.
func (o *Orchestrator) ExecuteSubtask(ctx context.Context, id string) (status backlog.Status, err error) {
	bl := o.sessions.Backlog()
	if bl == nil {
		return "", fault.Session(fault.SessionNotInitialized, nil, "no backlog loaded")
	}
	sub := bl.FindSubtask(id)
	if sub == nil {
		return "", fault.Task(fault.TaskNotFound, nil, "subtask %s not found", id)
	}
	if pending := bl.PendingDependencies(sub); len(pending) > 0 {
		return sub.Status, fault.Task(fault.TaskNotEligible, nil, "subtask %s waits on %s", id, strings.Join(pending, ", ")).
			With("item", id)
	}

	o.sessions.SetCurrentItem(id)
	defer func() {
		o.sessions.SetCurrentItem("")
		if ferr := o.sessions.FlushUpdates(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	log := o.log.With(zap.String("item", id))
	log.Info("executing subtask", zap.String("title", sub.Title))

	if err := o.SetStatus(ctx, id, backlog.StatusResearching, ReasonResearch); err != nil {
		return "", err
	}
	// The in-flight pointer must be on disk before the first agent call so
	// a crash can be resumed from it.
	if err := o.sessions.FlushUpdates(); err != nil {
		return "", err
	}

	prp, err := o.research(ctx, bl, sub)
	if err != nil {
		return o.fail(ctx, id, err)
	}

	if err := o.SetStatus(ctx, id, backlog.StatusImplementing, ReasonImplement); err != nil {
		return "", err
	}

	if err := o.implement(ctx, bl, sub, prp); err != nil {
		return o.fail(ctx, id, err)
	}

	if err := o.SetStatus(ctx, id, backlog.StatusComplete, ReasonComplete); err != nil {
		return "", err
	}
	o.commit(sub)
	return backlog.StatusComplete, nil
}

// research asks for the PRP and stores it under prps/.
func (o *Orchestrator) research(ctx context.Context, bl *backlog.Backlog, sub *backlog.Subtask) (string, error) {
	resp, err := o.researcher.Prompt(ctx, agent.Request{
		ItemID:  sub.ID,
		Prompt:  o.prompts.Research(o.sessionID(), bl, sub),
		WorkDir: o.opts.WorkDir,
	})
	if err != nil {
		return "", err
	}
	prp := strings.TrimSpace(resp.Output)
	if prp == "" {
		return "", fault.Agent(fault.AgentResponseInvalid, nil, "empty PRP for %s", sub.ID)
	}

	p, err := o.sessions.WriteArtifact(path.Join(session.PRPDir, sub.ID+".md"), []byte(prp+"\n"))
	if err != nil {
		return "", err
	}
	if err := o.audit.AddArtifact(o.sessionID(), sub.ID, store.ArtifactPRP, p); err != nil {
		o.log.Warn("failed to record artifact", zap.String("item", sub.ID), zap.Error(err))
	}
	return prp, nil
}

func (o *Orchestrator) implement(ctx context.Context, bl *backlog.Backlog, sub *backlog.Subtask, prp string) error {
	resp, err := o.coder.Prompt(ctx, agent.Request{
		ItemID:  sub.ID,
		Prompt:  o.prompts.Implement(o.sessionID(), bl, sub, prp),
		WorkDir: o.opts.WorkDir,
	})
	if err != nil {
		return err
	}
	if reason := agent.ParseBlocked(resp.Output); reason != "" {
		o.event(sub.ID, "coder", store.EventBlocked, reason)
		return fault.Agent(fault.AgentResponseInvalid, nil, "blocked: %s", reason).With("item", sub.ID)
	}
	return nil
}

// fail classifies err. Fatal errors propagate without touching the
// subtask; anything else marks it Failed.
func (o *Orchestrator) fail(ctx context.Context, id string, err error) (backlog.Status, error) {
	o.event(id, "", store.EventAgentError, err.Error())

	// An interrupted call leaves the subtask in flight for RecoverInFlight.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if fault.IsFatal(err, o.opts.ContinueOnError) {
		o.log.Error("fatal error", zap.String("item", id), zap.Error(err))
		return "", err
	}

	o.log.Warn("subtask failed", zap.String("item", id), zap.Error(err))
	if serr := o.SetStatus(ctx, id, backlog.StatusFailed, err.Error()); serr != nil {
		return "", serr
	}
	return backlog.StatusFailed, nil
}

func (o *Orchestrator) commit(sub *backlog.Subtask) {
	if o.opts.Committer == nil {
		return
	}
	hash, err := o.opts.Committer.CommitAll(fmt.Sprintf("prp: %s %s", sub.ID, sub.Title))
	if err != nil {
		o.log.Warn("auto-commit failed", zap.String("item", sub.ID), zap.Error(err))
		return
	}
	if hash != "" {
		o.event(sub.ID, "", store.EventCommitted, hash)
	}
}

func (o *Orchestrator) event(itemID, agentName, eventType, content string) {
	if err := o.audit.AddEvent(o.sessionID(), itemID, agentName, eventType, content); err != nil {
		o.log.Warn("failed to record event", zap.String("item", itemID), zap.Error(err))
	}
}

// RecoverInFlight returns subtasks left Researching or Implementing by an
// interrupted run to Planned so the scheduler picks them up again.
func (o *Orchestrator) RecoverInFlight(ctx context.Context) (int, error) {
	bl := o.sessions.Backlog()
	if bl == nil {
		return 0, nil
	}
	var stuck []string
	bl.EachSubtask(func(s *backlog.Subtask) bool {
		if s.Status.InFlight() {
			stuck = append(stuck, s.ID)
		}
		return true
	})
	for _, id := range stuck {
		if err := o.SetStatus(ctx, id, backlog.StatusPlanned, ReasonRecovered); err != nil {
			return 0, err
		}
	}
	if len(stuck) > 0 {
		o.log.Info("recovered in-flight subtasks", zap.Strings("items", stuck))
		o.sessions.SetCurrentItem("")
	}
	return len(stuck), o.sessions.FlushUpdates()
}

// RunBacklog executes eligible subtasks until none is left. It stops early
// on a fatal error or when ctx is cancelled between subtasks.
func (o *Orchestrator) RunBacklog(ctx context.Context) (backlog.Counts, error) {
	for {
		bl := o.sessions.Backlog()
		if bl == nil {
			return backlog.Counts{}, fault.Session(fault.SessionNotInitialized, nil, "no backlog loaded")
		}
		if err := ctx.Err(); err != nil {
			return bl.Counts(), err
		}
		next := bl.NextEligible()
		if next == nil {
			counts := bl.Counts()
			if counts.Planned > 0 {
				o.log.Warn("subtasks left with unmet dependencies", zap.Int("planned", counts.Planned))
			}
			return counts, nil
		}

		if _, err := o.ExecuteSubtask(ctx, next.ID); err != nil {
			return bl.Counts(), err
		}
	}
}
