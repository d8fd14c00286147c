package qa

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/session"
)

func TestMain(m *testing.M) {
	// genai links opencensus, whose stats worker starts in init and never exits.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedHunter returns results[i] on iteration i+1, repeating the last.
type scriptedHunter struct {
	results    []TestResults
	err        error
	iterations []int
	completed  [][]string
}

func (h *scriptedHunter) Hunt(ctx context.Context, iteration int, completed []backlog.Subtask) (*TestResults, error) {
	h.iterations = append(h.iterations, iteration)
	var ids []string
	for _, s := range completed {
		ids = append(ids, s.ID)
	}
	h.completed = append(h.completed, ids)
	if h.err != nil {
		return nil, h.err
	}
	r := h.results[min(iteration, len(h.results))-1]
	return &r, nil
}

// completingExecutor marks every subtask Complete, except those in fail.
type completingExecutor struct {
	sessions *session.Manager
	fail     map[string]error
	ran      []string
}

func (e *completingExecutor) ExecuteSubtask(ctx context.Context, id string) (backlog.Status, error) {
	e.ran = append(e.ran, id)
	if err := e.fail[id]; err != nil {
		return "", err
	}
	if _, err := e.sessions.UpdateItemStatus(id, backlog.StatusComplete); err != nil {
		return "", err
	}
	return backlog.StatusComplete, e.sessions.FlushUpdates()
}

var critical = TestResults{HasBugs: true, Summary: "login broken", Bugs: []Bug{{
	ID: "BUG-1", Severity: SeverityCritical, Title: "Login crashes",
	Description: "500 on empty password", Reproduction: "POST /login with {}", Location: "auth.go:42",
}}}

var clean = TestResults{Summary: "all good"}

func newSessions(t *testing.T) (*session.Manager, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	m := session.NewManager(fs, "plan", zaptest.NewLogger(t))
	_, err := m.Initialize("# App\n\nLogin.\n")
	require.NoError(t, err)
	require.NoError(t, m.SaveBacklog(&backlog.Backlog{Phases: []backlog.Phase{{
		Type: backlog.TypePhase, ID: "P1", Title: "App", Status: backlog.StatusComplete,
		Milestones: []backlog.Milestone{{
			Type: backlog.TypeMilestone, ID: "P1.M1", Title: "Auth", Status: backlog.StatusComplete,
			Tasks: []backlog.Task{{
				Type: backlog.TypeTask, ID: "P1.M1.T1", Title: "Login", Status: backlog.StatusComplete,
				Subtasks: []backlog.Subtask{{
					Type: backlog.TypeSubtask, ID: "P1.M1.T1.S1", Title: "Login handler",
					Status: backlog.StatusComplete, StoryPoints: 3,
				}},
			}},
		}},
	}}}))
	return m, fs
}

func TestCycle_ConvergesOnThirdIteration(t *testing.T) {
	sessions, fs := newSessions(t)
	hunter := &scriptedHunter{results: []TestResults{critical, critical, clean}}
	exec := &completingExecutor{sessions: sessions}

	out, err := NewCycle(hunter, exec, sessions, nil, false, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, out.Passed)
	assert.Equal(t, 3, out.Iterations)
	assert.Equal(t, 0, out.BugsFound())
	assert.Equal(t, []int{1, 2, 3}, hunter.iterations)
	assert.Equal(t, []string{"PFIX.M1.T1.S1", "PFIX.M2.T1.S1"}, out.Fixes)
	assert.Equal(t, out.Fixes, exec.ran)

	// Later hunts see the completed fixes.
	assert.Equal(t, []string{"P1.M1.T1.S1", "PFIX.M1.T1.S1", "PFIX.M2.T1.S1"}, hunter.completed[2])

	for _, n := range []string{"1", "2", "3"} {
		ok, err := afero.Exists(fs, filepath.Join(sessions.Current().Metadata.Path, "qa", "iteration-"+n+".json"))
		require.NoError(t, err)
		assert.True(t, ok, "iteration %s results saved", n)
	}
}

func TestCycle_CapReached(t *testing.T) {
	sessions, fs := newSessions(t)
	hunter := &scriptedHunter{results: []TestResults{critical}}
	exec := &completingExecutor{sessions: sessions}

	out, err := NewCycle(hunter, exec, sessions, nil, false, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, out.Passed)
	assert.Equal(t, MaxIterations, out.Iterations)
	assert.Equal(t, 1, out.BugsFound())
	assert.Len(t, hunter.iterations, MaxIterations)
	// No fixes are created after the last hunt.
	assert.Len(t, out.Fixes, MaxIterations-1)

	data, err := afero.ReadFile(fs, filepath.Join(sessions.Current().Metadata.Path, "qa", "iteration-3.json"))
	require.NoError(t, err)
	var last TestResults
	require.NoError(t, json.Unmarshal(data, &last))
	assert.Equal(t, "BUG-1", last.Bugs[0].ID)
}

func TestCycle_MinorBugsPass(t *testing.T) {
	sessions, _ := newSessions(t)
	minor := TestResults{HasBugs: true, Bugs: []Bug{
		{ID: "BUG-2", Severity: SeverityMinor, Title: "Typo in error"},
		{ID: "BUG-3", Severity: SeverityCosmetic, Title: "Misaligned button"},
	}}
	hunter := &scriptedHunter{results: []TestResults{minor}}
	exec := &completingExecutor{sessions: sessions}

	out, err := NewCycle(hunter, exec, sessions, nil, false, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, 2, out.BugsFound())
	assert.Empty(t, exec.ran)
}

func TestCycle_FixSubtasksShape(t *testing.T) {
	sessions, _ := newSessions(t)
	results := TestResults{HasBugs: true, Bugs: []Bug{
		critical.Bugs[0],
		{ID: "BUG-7", Severity: SeverityMajor, Title: "Session leak"},
		{ID: "BUG-8", Severity: SeverityCosmetic, Title: "Font"},
	}}
	hunter := &scriptedHunter{results: []TestResults{results, clean}}
	exec := &completingExecutor{sessions: sessions}

	_, err := NewCycle(hunter, exec, sessions, nil, false, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)

	b, err := sessions.LoadBacklog()
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	s1 := b.FindSubtask("PFIX.M1.T1.S1")
	require.NotNil(t, s1)
	assert.Equal(t, 13, s1.StoryPoints)
	assert.Empty(t, s1.Dependencies)
	for _, want := range []string{"BUG-1", "500 on empty password", "POST /login with {}", "auth.go:42", "Acceptance criteria"} {
		assert.Contains(t, s1.ContextScope, want)
	}
	assert.Equal(t, 8, b.FindSubtask("PFIX.M1.T2.S1").StoryPoints)
	assert.Equal(t, 1, b.FindSubtask("PFIX.M1.T3.S1").StoryPoints)

	phase, ok := b.FindItem(FixPhaseID)
	require.True(t, ok)
	assert.Equal(t, backlog.StatusComplete, phase.Status)
}

func TestCycle_ToleratesFixFailures(t *testing.T) {
	sessions, _ := newSessions(t)
	results := TestResults{HasBugs: true, Bugs: []Bug{
		{ID: "BUG-1", Severity: SeverityMajor, Title: "A"},
		{ID: "BUG-2", Severity: SeverityMajor, Title: "B"},
	}}
	hunter := &scriptedHunter{results: []TestResults{results, clean}}
	exec := &completingExecutor{sessions: sessions, fail: map[string]error{
		"PFIX.M1.T1.S1": fault.Task(fault.TaskExecutionFailed, nil, "could not fix"),
	}}

	out, err := NewCycle(hunter, exec, sessions, nil, false, zaptest.NewLogger(t)).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, []string{"PFIX.M1.T1.S1", "PFIX.M1.T2.S1"}, exec.ran)
}

func TestCycle_FatalFixErrorStops(t *testing.T) {
	sessions, _ := newSessions(t)
	hunter := &scriptedHunter{results: []TestResults{critical}}
	exec := &completingExecutor{sessions: sessions, fail: map[string]error{
		"PFIX.M1.T1.S1": fault.Session(fault.SessionSaveFailed, errors.New("disk full"), "save"),
	}}

	_, err := NewCycle(hunter, exec, sessions, nil, false, zaptest.NewLogger(t)).Run(context.Background())
	assert.True(t, fault.HasCode(err, fault.SessionSaveFailed))
	assert.Len(t, hunter.iterations, 1)
}

func TestCycle_HuntErrorReturned(t *testing.T) {
	sessions, _ := newSessions(t)
	hunter := &scriptedHunter{err: fault.Agent(fault.AgentCallFailed, nil, "qa agent down")}

	out, err := NewCycle(hunter, &completingExecutor{sessions: sessions}, sessions, nil, false, zaptest.NewLogger(t)).Run(context.Background())
	assert.True(t, fault.HasCode(err, fault.AgentCallFailed))
	assert.False(t, out.Passed)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, 13, SeverityCritical.StoryPoints())
	assert.Equal(t, 8, SeverityMajor.StoryPoints())
	assert.Equal(t, 3, SeverityMinor.StoryPoints())
	assert.Equal(t, 1, SeverityCosmetic.StoryPoints())
	assert.True(t, SeverityMajor.Blocking())
	assert.False(t, SeverityMinor.Blocking())
}

func TestTestResults_Validate(t *testing.T) {
	ok := critical
	require.NoError(t, ok.Validate())

	bad := TestResults{Bugs: []Bug{{ID: "BUG-1", Severity: "urgent", Title: "x"}}}
	err := bad.Validate()
	assert.True(t, fault.HasCode(err, fault.ValidationSchema))
	assert.False(t, fault.IsFatal(err, false))
}
