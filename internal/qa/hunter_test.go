package qa

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imkarma/prp/internal/agent"
	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/prompt"
)

// replyRunner is an agent.Runner that always answers with output.
type replyRunner struct {
	output string
	prompt string
}

func (r *replyRunner) Name() string { return "qa" }
func (r *replyRunner) Mode() string { return "cli" }
func (r *replyRunner) Run(ctx context.Context, req agent.Request) (*agent.Response, error) {
	r.prompt = req.Prompt
	return &agent.Response{Output: r.output}, nil
}

func TestAgentHunter_DecodesResults(t *testing.T) {
	runner := &replyRunner{output: "Findings:\n```json\n" + `{
  "has_bugs": false,
  "summary": "one major bug",
  "bugs": [{"id": "BUG-1", "severity": "major", "title": "Crash", "description": "d", "reproduction": "r"}],
  "recommendations": ["add tests"]
}` + "\n```"}
	a := agent.NewRunnerAgent(runner, nil, zaptest.NewLogger(t))
	h := NewAgentHunter(a, prompt.New(nil), "# PRD", "", func() string { return "diff --git a/x b/x" }, zaptest.NewLogger(t))

	results, err := h.Hunt(context.Background(), 1, []backlog.Subtask{{ID: "P1.M1.T1.S1", Title: "Handler"}})
	require.NoError(t, err)
	require.Len(t, results.Bugs, 1)
	assert.True(t, results.HasBugs, "has_bugs follows the bug list")
	assert.False(t, results.Passed())
	assert.True(t, strings.Contains(runner.prompt, "diff --git"))
	assert.True(t, strings.Contains(runner.prompt, "P1.M1.T1.S1"))
}

func TestAgentHunter_InvalidSeverityRejected(t *testing.T) {
	runner := &replyRunner{output: `{"bugs": [{"id": "BUG-1", "severity": "urgent", "title": "x"}]}`}
	a := agent.NewRunnerAgent(runner, nil, zaptest.NewLogger(t))

	_, err := NewAgentHunter(a, prompt.New(nil), "# PRD", "", nil, nil).Hunt(context.Background(), 1, nil)
	assert.True(t, fault.HasCode(err, fault.AgentResponseInvalid))
	assert.False(t, fault.IsFatal(err, false))
}
