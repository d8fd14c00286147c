package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imkarma/prp/internal/agent"
	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/prompt"
	"github.com/imkarma/prp/internal/session"
	"github.com/imkarma/prp/internal/store"
)

// fakeAgent answers per item id and records the items it was asked about.
type fakeAgent struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
	onCall  func()
}

func (f *fakeAgent) Prompt(ctx context.Context, req agent.Request) (*agent.Response, error) {
	f.calls = append(f.calls, req.ItemID)
	if f.onCall != nil {
		f.onCall()
	}
	if err := f.errs[req.ItemID]; err != nil {
		return nil, err
	}
	out, ok := f.outputs[req.ItemID]
	if !ok {
		out = "## Goal\nDo " + req.ItemID
	}
	return &agent.Response{Output: out}, nil
}

func (f *fakeAgent) PromptStructured(ctx context.Context, req agent.Request, out any) error {
	return errors.New("not supported")
}

type fakeCommitter struct{ messages []string }

func (c *fakeCommitter) CommitAll(message string) (string, error) {
	c.messages = append(c.messages, message)
	return "0123456789abcdef0123456789abcdef01234567", nil
}

type harness struct {
	o          *Orchestrator
	sessions   *session.Manager
	store      *store.Store
	researcher *fakeAgent
	coder      *fakeAgent
}

func testBacklog() *backlog.Backlog {
	return &backlog.Backlog{Phases: []backlog.Phase{{
		Type: backlog.TypePhase, ID: "P1", Title: "Build", Status: backlog.StatusPlanned,
		Milestones: []backlog.Milestone{{
			Type: backlog.TypeMilestone, ID: "P1.M1", Title: "Core", Status: backlog.StatusPlanned,
			Tasks: []backlog.Task{{
				Type: backlog.TypeTask, ID: "P1.M1.T1", Title: "Storage", Status: backlog.StatusPlanned,
				Subtasks: []backlog.Subtask{
					{Type: backlog.TypeSubtask, ID: "P1.M1.T1.S1", Title: "Schema", Status: backlog.StatusPlanned, StoryPoints: 2},
					{Type: backlog.TypeSubtask, ID: "P1.M1.T1.S2", Title: "Queries", Status: backlog.StatusPlanned, StoryPoints: 3,
						Dependencies: []string{"P1.M1.T1.S1"}},
				},
			}},
		}},
	}}}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	m := session.NewManager(afero.NewMemMapFs(), "plan", log)
	_, err := m.Initialize("# Build\n\nA small service.\n")
	require.NoError(t, err)
	require.NoError(t, m.SaveBacklog(testBacklog()))

	st, err := store.New(filepath.Join(t.TempDir(), "prp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		sessions:   m,
		store:      st,
		researcher: &fakeAgent{},
		coder:      &fakeAgent{},
	}
	h.o = New(m, st, prompt.New(st), h.researcher, h.coder, opts, log)
	return h
}

func (h *harness) transitions(t *testing.T, itemID string) []store.Transition {
	t.Helper()
	got, err := h.store.GetTransitions(h.sessions.Current().Metadata.ID, itemID)
	require.NoError(t, err)
	return got
}

func (h *harness) persisted(t *testing.T, id string) backlog.Status {
	t.Helper()
	b, err := h.sessions.LoadBacklog()
	require.NoError(t, err)
	return b.FindSubtask(id).Status
}

func TestExecuteSubtask_Success(t *testing.T) {
	committer := &fakeCommitter{}
	h := newHarness(t, Options{Committer: committer})

	status, err := h.o.ExecuteSubtask(context.Background(), "P1.M1.T1.S1")
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusComplete, status)

	trs := h.transitions(t, "P1.M1.T1.S1")
	require.Len(t, trs, 3)
	assert.Equal(t, []string{ReasonResearch, ReasonImplement, ReasonComplete},
		[]string{trs[0].Reason, trs[1].Reason, trs[2].Reason})
	assert.Equal(t, "Planned", trs[0].OldStatus)
	assert.Equal(t, "Researching", trs[0].NewStatus)
	assert.Equal(t, "Complete", trs[2].NewStatus)

	// Terminal state is flushed and the in-flight pointer cleared.
	assert.Equal(t, backlog.StatusComplete, h.persisted(t, "P1.M1.T1.S1"))
	assert.Empty(t, h.sessions.Current().CurrentItemID)

	arts, err := h.store.ListArtifacts(h.sessions.Current().Metadata.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, store.ArtifactPRP, arts[0].Type)
	assert.Equal(t, filepath.Join(h.sessions.Current().Metadata.Path, "prps", "P1.M1.T1.S1.md"), arts[0].FilePath)

	assert.Equal(t, []string{"prp: P1.M1.T1.S1 Schema"}, committer.messages)
	assert.Equal(t, []string{"P1.M1.T1.S1"}, h.coder.calls)
}

func TestExecuteSubtask_CurrentItemSetDuringCall(t *testing.T) {
	h := newHarness(t, Options{})
	var seen string
	h.coder.onCall = func() { seen = h.sessions.Current().CurrentItemID }

	_, err := h.o.ExecuteSubtask(context.Background(), "P1.M1.T1.S1")
	require.NoError(t, err)
	assert.Equal(t, "P1.M1.T1.S1", seen)
}

func TestExecuteSubtask_InFlightStateDurableDuringCall(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.sessions.Current().Metadata.ID
	var (
		onDisk string
		status backlog.Status
	)
	h.researcher.onCall = func() {
		s, err := h.sessions.LoadSession(id)
		require.NoError(t, err)
		onDisk = s.CurrentItemID
		status = s.Backlog.FindSubtask("P1.M1.T1.S1").Status
	}

	_, err := h.o.ExecuteSubtask(context.Background(), "P1.M1.T1.S1")
	require.NoError(t, err)
	assert.Equal(t, "P1.M1.T1.S1", onDisk)
	assert.Equal(t, backlog.StatusResearching, status)

	s, err := h.sessions.LoadSession(id)
	require.NoError(t, err)
	assert.Empty(t, s.CurrentItemID, "pointer cleared once the subtask finished")
}

func TestExecuteSubtask_NotFound(t *testing.T) {
	h := newHarness(t, Options{})

	_, err := h.o.ExecuteSubtask(context.Background(), "P9.M1.T1.S1")
	assert.True(t, fault.HasCode(err, fault.TaskNotFound))
	assert.False(t, fault.IsFatal(err, false))
}

func TestExecuteSubtask_NotEligible(t *testing.T) {
	h := newHarness(t, Options{})

	status, err := h.o.ExecuteSubtask(context.Background(), "P1.M1.T1.S2")
	assert.True(t, fault.HasCode(err, fault.TaskNotEligible))
	assert.Equal(t, backlog.StatusPlanned, status)
	assert.Empty(t, h.transitions(t, "P1.M1.T1.S2"))
	assert.Empty(t, h.researcher.calls)
}

func TestExecuteSubtask_AgentFailureMarksFailed(t *testing.T) {
	h := newHarness(t, Options{})
	h.researcher.errs = map[string]error{
		"P1.M1.T1.S1": fault.Agent(fault.AgentCallFailed, errors.New("exit 1"), "agent researcher failed"),
	}

	status, err := h.o.ExecuteSubtask(context.Background(), "P1.M1.T1.S1")
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusFailed, status)
	assert.Empty(t, h.coder.calls)

	trs := h.transitions(t, "P1.M1.T1.S1")
	require.Len(t, trs, 2)
	assert.Equal(t, "Failed", trs[1].NewStatus)
	assert.Contains(t, trs[1].Reason, "exit 1")
	assert.Equal(t, backlog.StatusFailed, h.persisted(t, "P1.M1.T1.S1"))

	events, err := h.store.GetEvents(h.sessions.Current().Metadata.ID, "P1.M1.T1.S1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventAgentError, events[0].Type)
}

func TestExecuteSubtask_BlockedImplementationFails(t *testing.T) {
	h := newHarness(t, Options{})
	h.coder.outputs = map[string]string{"P1.M1.T1.S1": "BLOCKED: which database?"}

	status, err := h.o.ExecuteSubtask(context.Background(), "P1.M1.T1.S1")
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusFailed, status)

	trs := h.transitions(t, "P1.M1.T1.S1")
	require.Len(t, trs, 3)
	assert.Equal(t, "Implementing", trs[1].NewStatus)
	assert.Contains(t, trs[2].Reason, "which database?")
}

func TestExecuteSubtask_FatalErrorPropagates(t *testing.T) {
	h := newHarness(t, Options{})
	envErr := fault.Environment(fault.EnvAgentMissing, nil, "claude not found")
	h.researcher.errs = map[string]error{"P1.M1.T1.S1": envErr}

	_, err := h.o.ExecuteSubtask(context.Background(), "P1.M1.T1.S1")
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, fault.EnvAgentMissing))

	// No Failed transition, but the Researching state is flushed.
	trs := h.transitions(t, "P1.M1.T1.S1")
	require.Len(t, trs, 1)
	assert.Equal(t, backlog.StatusResearching, h.persisted(t, "P1.M1.T1.S1"))
}

func TestExecuteSubtask_ContinueOnErrorDowngradesFatal(t *testing.T) {
	h := newHarness(t, Options{ContinueOnError: true})
	h.coder.errs = map[string]error{"P1.M1.T1.S1": fault.Environment(fault.EnvAgentMissing, nil, "gone")}

	status, err := h.o.ExecuteSubtask(context.Background(), "P1.M1.T1.S1")
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusFailed, status)
}

func TestExecuteSubtask_CancelledLeavesInFlight(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	h.coder.onCall = cancel
	h.coder.errs = map[string]error{"P1.M1.T1.S1": fault.Agent(fault.AgentCallFailed, context.Canceled, "interrupted")}

	_, err := h.o.ExecuteSubtask(ctx, "P1.M1.T1.S1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, backlog.StatusImplementing, h.persisted(t, "P1.M1.T1.S1"))

	n, err := h.o.RecoverInFlight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, backlog.StatusPlanned, h.persisted(t, "P1.M1.T1.S1"))

	trs := h.transitions(t, "P1.M1.T1.S1")
	assert.Equal(t, ReasonRecovered, trs[len(trs)-1].Reason)
}

func TestSetStatus_Unchecked(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.o.SetStatus(ctx, "P1.M1.T1.S1", backlog.StatusComplete, "manual"))
	require.NoError(t, h.o.SetStatus(ctx, "P1.M1.T1.S1", backlog.StatusPlanned, "reopened"))

	trs := h.transitions(t, "P1.M1.T1.S1")
	require.Len(t, trs, 2)
	assert.Equal(t, "Planned", trs[0].OldStatus)
	assert.Equal(t, "Complete", trs[0].NewStatus)
	assert.Equal(t, "Complete", trs[1].OldStatus)
	assert.Equal(t, "Planned", trs[1].NewStatus)

	// Parents accept any status too.
	require.NoError(t, h.o.SetStatus(ctx, "P1", backlog.StatusObsolete, "dropped"))
	assert.True(t, fault.HasCode(h.o.SetStatus(ctx, "P7", backlog.StatusPlanned, ""), fault.TaskNotFound))
}

func TestRunBacklog_DependencyOrder(t *testing.T) {
	h := newHarness(t, Options{})

	counts, err := h.o.RunBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P1.M1.T1.S1", "P1.M1.T1.S2"}, h.coder.calls)
	assert.Equal(t, 2, counts.Complete)
	assert.Equal(t, 0, counts.Failed)

	// Parents roll up on flush.
	b, err := h.sessions.LoadBacklog()
	require.NoError(t, err)
	item, _ := b.FindItem("P1")
	assert.Equal(t, backlog.StatusComplete, item.Status)
}

func TestRunBacklog_FailedDependencyBlocksDependents(t *testing.T) {
	h := newHarness(t, Options{})
	h.coder.errs = map[string]error{"P1.M1.T1.S1": fault.Agent(fault.AgentCallFailed, nil, "broken")}

	counts, err := h.o.RunBacklog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Planned)
	assert.Equal(t, []string{"P1.M1.T1.S1"}, h.coder.calls)
}
