// Package pipeline drives a requirements document through planning,
// execution and verification. Each phase runs under the fault policy: a
// fatal error aborts the run, anything else is tracked and the next phase
// starts.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/agent"
	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/config"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/git"
	"github.com/imkarma/prp/internal/orchestrator"
	"github.com/imkarma/prp/internal/prddiff"
	"github.com/imkarma/prp/internal/prompt"
	"github.com/imkarma/prp/internal/qa"
	"github.com/imkarma/prp/internal/session"
	"github.com/imkarma/prp/internal/store"
)

// Phase names a stage of the pipeline.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseDelta      Phase = "delta_handling"
	PhaseDecompose  Phase = "decompose"
	PhaseExecute    Phase = "execute_backlog"
	PhaseQA         Phase = "qa_cycle"
	PhaseQAComplete Phase = "qa_complete"
	PhaseQAFailed   Phase = "qa_failed"
)

// TrackedFailure is a non-fatal error the run continued past.
type TrackedFailure struct {
	Phase     Phase     `json:"phase"`
	Err       error     `json:"-"`
	Message   string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Result summarizes a run.
type Result struct {
	Success        bool             `json:"success"`
	SessionPath    string           `json:"session_path"`
	TotalTasks     int              `json:"total_tasks"`
	CompletedTasks int              `json:"completed_tasks"`
	FailedTasks    int              `json:"failed_tasks"`
	FinalPhase     Phase            `json:"final_phase"`
	BugsFound      int              `json:"bugs_found"`
	Failures       []TrackedFailure `json:"failures,omitempty"`
	RunID          string           `json:"run_id"`
}

// Options configure a run.
type Options struct {
	PRDPath         string
	ContinueOnError bool
	QA              bool
	AutoCommit      bool
	WorkDir         string
}

// Agents holds one agent per role.
type Agents struct {
	Architect  agent.Agent
	Researcher agent.Agent
	Coder      agent.Agent
	QA         agent.Agent
}

// AgentsFromRoles picks the agents built by agent.FromConfig.
func AgentsFromRoles(m map[string]agent.Agent) Agents {
	return Agents{
		Architect:  m[config.RoleArchitect],
		Researcher: m[config.RoleResearcher],
		Coder:      m[config.RoleCoder],
		QA:         m[config.RoleQA],
	}
}

// Controller runs the pipeline once.
type Controller struct {
	opts     Options
	fs       afero.Fs
	sessions *session.Manager
	store    *store.Store
	agents   Agents
	prompts  *prompt.Builder
	// repo is nil outside a git work tree.
	repo *git.Repo
	log  *zap.Logger
	now  func() time.Time

	orch    *orchestrator.Orchestrator
	prd     string
	baseRef string
	result  *Result
}

// New creates a Controller. repo may be nil.
func New(opts Options, fs afero.Fs, sessions *session.Manager, st *store.Store, agents Agents, repo *git.Repo, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if repo != nil && !repo.IsGitRepo() {
		repo = nil
	}
	return &Controller{
		opts:     opts,
		fs:       fs,
		sessions: sessions,
		store:    st,
		agents:   agents,
		prompts:  prompt.New(st),
		repo:     repo,
		log:      log.Named("pipeline"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run executes every phase in order. The returned error is the fatal error
// that aborted the run, or the context error when it was cancelled; the
// result is filled in either way.
func (c *Controller) Run(ctx context.Context) (res *Result, err error) {
	c.result = &Result{}
	if c.opts.ContinueOnError {
		c.log.Warn("continue-on-error enabled: every failure is treated as non-fatal")
	}

	run, err := c.store.StartPipelineRun(c.opts.PRDPath, c.opts.ContinueOnError)
	if err != nil {
		return c.result, fault.Environment(fault.EnvStoreFailed, err, "start pipeline run")
	}
	c.result.RunID = run.RunID
	defer func() {
		c.finish(err)
		status := store.RunCompleted
		switch {
		case ctx.Err() != nil:
			status = store.RunInterrupted
		case err != nil:
			status = store.RunFailed
		}
		if endErr := c.store.EndPipelineRun(run.RunID, status); endErr != nil {
			c.log.Warn("end pipeline run", zap.Error(endErr))
		}
		res = c.result
	}()

	if err := c.runPhase(ctx, PhaseInit, c.initialize); err != nil {
		return c.result, err
	}
	s := c.sessions.Current()
	if s == nil {
		return c.result, nil
	}
	c.orch = orchestrator.New(c.sessions, c.store, c.prompts, c.agents.Researcher, c.agents.Coder, orchestrator.Options{
		ContinueOnError: c.opts.ContinueOnError,
		WorkDir:         c.opts.WorkDir,
		Committer:       c.committer(),
	}, c.log)

	if d := pendingDelta(s); d != nil {
		if err := c.runPhase(ctx, PhaseDelta, func(ctx context.Context) error { return c.handleDelta(ctx, d) }); err != nil {
			return c.result, err
		}
	}
	if err := c.runPhase(ctx, PhaseDecompose, c.decompose); err != nil {
		return c.result, err
	}
	if c.sessions.Backlog() == nil {
		return c.result, nil
	}
	if err := c.runPhase(ctx, PhaseExecute, c.execute); err != nil {
		return c.result, err
	}
	if !c.opts.QA {
		c.log.Info("qa disabled, skipping verification")
		return c.result, nil
	}
	if err := c.runPhase(ctx, PhaseQA, c.verify); err != nil {
		return c.result, err
	}
	return c.result, nil
}

// runPhase applies the fault policy to one phase.
func (c *Controller) runPhase(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	c.result.FinalPhase = phase
	c.trackPhase(phase)
	c.log.Info("phase started", zap.String("phase", string(phase)))

	if err := ctx.Err(); err != nil {
		return err
	}
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		c.log.Warn("phase cancelled", zap.String("phase", string(phase)), zap.Error(err))
		return ctx.Err()
	}
	if fault.IsFatal(err, c.opts.ContinueOnError) {
		c.log.Error("phase failed", zap.String("phase", string(phase)), zap.Error(err))
		return err
	}
	c.log.Warn("phase failed, continuing", zap.String("phase", string(phase)), zap.Error(err))
	c.result.Failures = append(c.result.Failures, TrackedFailure{
		Phase:     phase,
		Err:       err,
		Message:   err.Error(),
		Timestamp: c.now(),
	})
	return nil
}

func (c *Controller) trackPhase(phase Phase) {
	var sid string
	if s := c.sessions.Current(); s != nil {
		sid = s.Metadata.ID
	}
	if err := c.store.UpdateRunPhase(c.result.RunID, string(phase), sid); err != nil {
		c.log.Warn("update pipeline run", zap.Error(err))
	}
}

// initialize reads the PRD and opens its session.
func (c *Controller) initialize(ctx context.Context) error {
	data, err := afero.ReadFile(c.fs, c.opts.PRDPath)
	if err != nil {
		return fault.Validation(fault.ValidationInvalidInput, err, "read PRD %s", c.opts.PRDPath).
			With("operation", fault.OperationParsePRD)
	}
	prd := string(data)
	if err := ValidatePRD(prd); err != nil {
		return err
	}
	c.prd = prd

	s, err := c.sessions.Initialize(prd)
	if err != nil {
		return err
	}
	c.result.SessionPath = s.Metadata.Path
	c.trackPhase(PhaseInit)
	c.prepareBranch(s.Metadata.ID)
	return nil
}

// ValidatePRD rejects documents the pipeline cannot plan from: empty ones
// and ones without a single markdown heading.
func ValidatePRD(prd string) error {
	if strings.TrimSpace(prd) == "" {
		return fault.Validation(fault.ValidationInvalidInput, nil, "PRD is empty").
			With("operation", fault.OperationParsePRD)
	}
	if len(prddiff.Headings(prd)) == 0 {
		return fault.Validation(fault.ValidationInvalidInput, nil, "PRD has no headings").
			With("operation", fault.OperationParsePRD)
	}
	return nil
}

func (c *Controller) prepareBranch(sessionID string) {
	if c.repo == nil {
		return
	}
	if head, err := c.repo.HeadCommit(); err == nil {
		c.baseRef = head
	}
	if !c.opts.AutoCommit {
		return
	}
	if c.repo.HasUncommittedChanges() {
		c.log.Warn("working tree has uncommitted changes, staying on current branch")
		return
	}
	branch := git.BranchName(sessionID)
	if err := c.repo.EnsureBranch(branch); err != nil {
		c.log.Warn("switch to session branch", zap.String("branch", branch), zap.Error(err))
		return
	}
	c.log.Info("on session branch", zap.String("branch", branch))
}

func (c *Controller) committer() orchestrator.Committer {
	if c.repo == nil || !c.opts.AutoCommit {
		return nil
	}
	return c.repo
}

// pendingDelta returns the delta still to be reconciled with s's backlog.
func pendingDelta(s *session.Session) *session.Delta {
	if s.PendingDelta != nil {
		return s.PendingDelta
	}
	if !s.Resumed && !s.DeltaApplied && s.Metadata.ParentSession != "" && s.Delta.Significant() {
		return s.Delta
	}
	return nil
}

// decompose asks the architect for a backlog unless the session has one.
func (c *Controller) decompose(ctx context.Context) error {
	if c.sessions.Backlog() != nil {
		c.log.Info("backlog exists, skipping decomposition")
		return nil
	}

	var bl backlog.Backlog
	err := c.agents.Architect.PromptStructured(ctx, agent.Request{
		Prompt:  c.prompts.Decompose(c.prd),
		WorkDir: c.opts.WorkDir,
	}, &bl)
	if err != nil {
		return err
	}
	if len(bl.Phases) == 0 {
		return fault.Validation(fault.ValidationSchema, nil, "decomposition produced no phases")
	}
	if err := c.sessions.SaveBacklog(&bl); err != nil {
		return err
	}
	counts := bl.Counts()
	c.log.Info("backlog planned", zap.Int("phases", len(bl.Phases)), zap.Int("subtasks", counts.Total), zap.Int("points", counts.Points))
	return nil
}

func (c *Controller) execute(ctx context.Context) error {
	if _, err := c.orch.RecoverInFlight(ctx); err != nil {
		return err
	}
	counts, err := c.orch.RunBacklog(ctx)
	c.log.Info("backlog executed",
		zap.Int("complete", counts.Complete),
		zap.Int("failed", counts.Failed),
		zap.Int("planned", counts.Planned))
	return err
}

func (c *Controller) verify(ctx context.Context) error {
	hunter := qa.NewAgentHunter(c.agents.QA, c.prompts, c.prd, c.opts.WorkDir, c.changes, c.log)
	out, err := qa.NewCycle(hunter, c.orch, c.sessions, c.store, c.opts.ContinueOnError, c.log).Run(ctx)
	c.result.BugsFound = out.BugsFound()
	if err != nil {
		return err
	}
	if out.Passed {
		c.result.FinalPhase = PhaseQAComplete
	} else {
		c.result.FinalPhase = PhaseQAFailed
	}
	c.trackPhase(c.result.FinalPhase)
	return nil
}

// changes describes the work done so far for the bug hunt.
func (c *Controller) changes() string {
	if c.repo == nil || c.baseRef == "" {
		return ""
	}
	diff, err := c.repo.DiffSince(c.baseRef)
	if err != nil {
		c.log.Warn("collect changes", zap.Error(err))
		return ""
	}
	return diff
}

// finish fills in the counts and the success flag.
func (c *Controller) finish(err error) {
	if bl := c.sessions.Backlog(); bl != nil {
		counts := bl.Counts()
		c.result.TotalTasks = counts.Total
		c.result.CompletedTasks = counts.Complete
		c.result.FailedTasks = counts.Failed
	}
	aborted := err != nil
	done := c.result.FinalPhase == PhaseQAComplete || (!c.opts.QA && c.result.FinalPhase == PhaseExecute)
	c.result.Success = !aborted && done && c.result.FailedTasks == 0 && len(c.result.Failures) == 0

	c.log.Info("pipeline finished",
		zap.Bool("success", c.result.Success),
		zap.String("final_phase", string(c.result.FinalPhase)),
		zap.Int("completed", c.result.CompletedTasks),
		zap.Int("failed", c.result.FailedTasks),
		zap.Int("bugs", c.result.BugsFound))
}
