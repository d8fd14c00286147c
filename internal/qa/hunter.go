package qa

import (
	"context"

	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/agent"
	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/prompt"
)

// BugHunter tests the completed work and reports what it found.
type BugHunter interface {
	Hunt(ctx context.Context, iteration int, completed []backlog.Subtask) (*TestResults, error)
}

// ChangeSource describes what the session changed so far, typically as a
// git diff. It may return "" when nothing is known.
type ChangeSource func() string

// AgentHunter runs the bug hunt as a single structured agent call.
type AgentHunter struct {
	agent   agent.Agent
	prompts *prompt.Builder
	prd     string
	workDir string
	changes ChangeSource
	log     *zap.Logger
}

// NewAgentHunter creates a hunter testing against prd. changes may be nil.
func NewAgentHunter(a agent.Agent, prompts *prompt.Builder, prd, workDir string, changes ChangeSource, log *zap.Logger) *AgentHunter {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentHunter{agent: a, prompts: prompts, prd: prd, workDir: workDir, changes: changes, log: log}
}

// Hunt implements BugHunter.
func (h *AgentHunter) Hunt(ctx context.Context, iteration int, completed []backlog.Subtask) (*TestResults, error) {
	var diff string
	if h.changes != nil {
		diff = h.changes()
	}

	var results TestResults
	err := h.agent.PromptStructured(ctx, agent.Request{
		Prompt:  h.prompts.BugHunt(h.prd, completed, iteration, diff),
		WorkDir: h.workDir,
	}, &results)
	if err != nil {
		return nil, err
	}
	results.HasBugs = len(results.Bugs) > 0

	h.log.Info("bug hunt finished",
		zap.Int("iteration", iteration),
		zap.Int("bugs", len(results.Bugs)),
		zap.Int("blocking", len(results.Blocking())))
	return &results, nil
}
