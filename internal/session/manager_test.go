package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
)

const prdV1 = "# Profiles\n\nStore user profiles.\n\n# API\n\nExpose a read endpoint.\n"

func testManager(t *testing.T, fs afero.Fs) *Manager {
	t.Helper()
	return NewManager(fs, "plan", zaptest.NewLogger(t))
}

func testBacklog() *backlog.Backlog {
	return &backlog.Backlog{Phases: []backlog.Phase{{
		Type: backlog.TypePhase, ID: "P1", Title: "Build", Status: backlog.StatusPlanned,
		Milestones: []backlog.Milestone{{
			Type: backlog.TypeMilestone, ID: "P1.M1", Title: "Profiles", Status: backlog.StatusPlanned,
			Tasks: []backlog.Task{{
				Type: backlog.TypeTask, ID: "P1.M1.T1", Title: "Store", Status: backlog.StatusPlanned,
				Subtasks: []backlog.Subtask{
					{Type: backlog.TypeSubtask, ID: "P1.M1.T1.S1", Title: "Schema", Status: backlog.StatusPlanned, StoryPoints: 3},
					{Type: backlog.TypeSubtask, ID: "P1.M1.T1.S2", Title: "Repo", Status: backlog.StatusPlanned, StoryPoints: 5,
						Dependencies: []string{"P1.M1.T1.S1"}},
				},
			}},
		}},
	}}}
}

func TestHash_Deterministic(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01", Hash("abc"))
	assert.Equal(t, Hash(prdV1), Hash(prdV1))
	assert.Len(t, Hash(""), 12)
	assert.Equal(t, "002_1e734971e481", ID(2, "1e734971e481"))
}

func TestInitialize_RootSession(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := testManager(t, fs)

	s, err := m.Initialize(prdV1)
	require.NoError(t, err)

	assert.Equal(t, ID(1, Hash(prdV1)), s.Metadata.ID)
	assert.Equal(t, 1, s.Metadata.Sequence)
	assert.Empty(t, s.Metadata.ParentSession)
	assert.Nil(t, s.Delta)
	assert.False(t, s.Resumed)
	assert.Nil(t, s.Backlog)

	snap, err := afero.ReadFile(fs, filepath.Join("plan", s.Metadata.ID, SnapshotFile))
	require.NoError(t, err)
	assert.Equal(t, prdV1, string(snap))

	for _, d := range []string{PRPDir, QADir} {
		ok, err := afero.DirExists(fs, filepath.Join(s.Metadata.Path, d))
		require.NoError(t, err)
		assert.True(t, ok, d)
	}

	info, err := fs.Stat(filepath.Join(s.Metadata.Path, MetaFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerm), info.Mode().Perm())
}

func TestInitialize_IdenticalTextYieldsZeroChangeDelta(t *testing.T) {
	fs := afero.NewMemMapFs()
	first, err := testManager(t, fs).Initialize(prdV1)
	require.NoError(t, err)

	second, err := testManager(t, fs).Initialize(prdV1)
	require.NoError(t, err)

	assert.True(t, second.Resumed)
	assert.Equal(t, first.Metadata.ID, second.Metadata.ID)
	require.NotNil(t, second.Delta)
	assert.False(t, second.Delta.Significant())
	assert.Empty(t, second.Delta.DiffSummary.Changes)

	sessions, err := testManager(t, fs).ListSessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestInitialize_WhitespaceChangeResumes(t *testing.T) {
	fs := afero.NewMemMapFs()
	first, err := testManager(t, fs).Initialize(prdV1)
	require.NoError(t, err)

	reflowed := strings.Replace(prdV1, "Store user profiles.", "Store   user\nprofiles.", 1)
	second, err := testManager(t, fs).Initialize(reflowed)
	require.NoError(t, err)

	assert.True(t, second.Resumed)
	assert.Equal(t, first.Metadata.ID, second.Metadata.ID)
	assert.Equal(t, prdV1, second.PRDSnapshot)
}

func TestInitialize_SignificantChangeCreatesDelta(t *testing.T) {
	fs := afero.NewMemMapFs()
	m1 := testManager(t, fs)
	first, err := m1.Initialize(prdV1)
	require.NoError(t, err)
	require.NoError(t, m1.SaveBacklog(testBacklog()))

	prdV2 := prdV1 + "\n# Auth\n\n```http\nPOST /login\n```\n"
	m2 := testManager(t, fs)
	second, err := m2.Initialize(prdV2)
	require.NoError(t, err)

	assert.False(t, second.Resumed)
	assert.Equal(t, ID(2, Hash(prdV2)), second.Metadata.ID)
	assert.Equal(t, first.Metadata.ID, second.Metadata.ParentSession)
	require.NotNil(t, second.Delta)
	assert.True(t, second.Delta.Significant())
	assert.Equal(t, prdV1, second.Delta.OldPRD)
	assert.Equal(t, prdV2, second.Delta.NewPRD)
	assert.Equal(t, testBacklog(), second.Backlog)

	ok, err := afero.Exists(fs, filepath.Join(second.Metadata.Path, DeltaFile))
	require.NoError(t, err)
	assert.True(t, ok)

	// The carried registry is a copy, not shared with the parent.
	_, err = m2.UpdateItemStatus("P1.M1.T1.S1", backlog.StatusComplete)
	require.NoError(t, err)
	require.NoError(t, m2.FlushUpdates())
	parent, err := m2.LoadSession(first.Metadata.ID)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusPlanned, parent.Backlog.FindSubtask("P1.M1.T1.S1").Status)
}

func TestUpdateItemStatus_BuffersUntilFlush(t *testing.T) {
	m := testManager(t, afero.NewMemMapFs())
	_, err := m.Initialize(prdV1)
	require.NoError(t, err)
	require.NoError(t, m.SaveBacklog(testBacklog()))

	old, err := m.UpdateItemStatus("P1.M1.T1.S1", backlog.StatusResearching)
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusPlanned, old)

	onDisk, err := m.LoadBacklog()
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusPlanned, onDisk.FindSubtask("P1.M1.T1.S1").Status)

	require.NoError(t, m.FlushUpdates())
	onDisk, err = m.LoadBacklog()
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusResearching, onDisk.FindSubtask("P1.M1.T1.S1").Status)
	// Parents are rolled up on flush.
	task, _ := onDisk.FindItem("P1.M1.T1")
	assert.Equal(t, backlog.StatusImplementing, task.Status)

	_, err = m.UpdateItemStatus("P9.M1.T1.S1", backlog.StatusComplete)
	assert.True(t, fault.HasCode(err, fault.TaskNotFound))
}

func TestUpdateItemStatus_WithoutSession(t *testing.T) {
	m := testManager(t, afero.NewMemMapFs())
	_, err := m.UpdateItemStatus("P1", backlog.StatusComplete)
	assert.True(t, fault.HasCode(err, fault.SessionNotInitialized))
	assert.NoError(t, m.FlushUpdates())
}

func TestSetCurrentItem_Persisted(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := testManager(t, fs)
	s, err := m.Initialize(prdV1)
	require.NoError(t, err)
	require.NoError(t, m.SaveBacklog(testBacklog()))

	m.SetCurrentItem("P1.M1.T1.S2")
	require.NoError(t, m.FlushUpdates())

	reloaded, err := testManager(t, fs).LoadSession(s.Metadata.ID)
	require.NoError(t, err)
	assert.Equal(t, "P1.M1.T1.S2", reloaded.CurrentItemID)
	assert.True(t, s.Metadata.CreatedAt.Equal(reloaded.Metadata.CreatedAt))
}

// failingFs breaks writes to newly opened files or renames.
type failingFs struct {
	afero.Fs
	failWrite  bool
	failRename bool
}

func (f *failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil || !f.failWrite {
		return file, err
	}
	return &halfFile{File: file}, nil
}

func (f *failingFs) Rename(oldname, newname string) error {
	if f.failRename {
		return errors.New("rename: input/output error")
	}
	return f.Fs.Rename(oldname, newname)
}

// halfFile writes half of every buffer and then fails.
type halfFile struct{ afero.File }

func (h *halfFile) Write(p []byte) (int, error) {
	n, _ := h.File.Write(p[:len(p)/2])
	return n, errors.New("write: no space left on device")
}

func TestSaveBacklog_FailureKeepsPriorFile(t *testing.T) {
	for _, tc := range []struct {
		name string
		fs   *failingFs
	}{
		{"write fails midway", &failingFs{failWrite: true}},
		{"rename fails", &failingFs{failRename: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.fs.Fs = afero.NewMemMapFs()
			armed := *tc.fs
			tc.fs.failWrite, tc.fs.failRename = false, false

			m := testManager(t, tc.fs)
			s, err := m.Initialize(prdV1)
			require.NoError(t, err)
			require.NoError(t, m.SaveBacklog(testBacklog()))

			*tc.fs = armed
			changed := testBacklog()
			changed.FindSubtask("P1.M1.T1.S1").Status = backlog.StatusComplete
			err = m.SaveBacklog(changed)
			require.Error(t, err)
			assert.True(t, fault.HasCode(err, fault.SessionSaveFailed))
			assert.True(t, fault.IsFatal(err, false))

			tc.fs.failWrite, tc.fs.failRename = false, false
			onDisk, err := m.LoadBacklog()
			require.NoError(t, err)
			assert.Equal(t, testBacklog(), onDisk)

			entries, err := afero.ReadDir(tc.fs, s.Metadata.Path)
			require.NoError(t, err)
			for _, e := range entries {
				assert.NotContains(t, e.Name(), ".tmp-", "temp file left behind")
			}
		})
	}
}

func TestInitialize_CorruptRegistryFailsLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := testManager(t, fs)
	s, err := m.Initialize(prdV1)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(s.Metadata.Path, TasksFile), []byte(`{"backlog": [{"id": 7}]}`), 0o644))

	_, err = testManager(t, fs).Initialize(prdV1)
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, fault.SessionLoadFailed))
	assert.True(t, fault.IsFatal(err, false))
}

func TestInitialize_MalformedMetadataRecovers(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := testManager(t, fs).Initialize(prdV1)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(s.Metadata.Path, MetaFile), []byte("not json"), 0o644))

	again, err := testManager(t, fs).Initialize(prdV1)
	require.NoError(t, err)
	assert.Equal(t, s.Metadata.ID, again.Metadata.ID)
	assert.Equal(t, 1, again.Metadata.Sequence)
}

func TestListSessions_Ordered(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := testManager(t, fs).Initialize(prdV1)
	require.NoError(t, err)
	_, err = testManager(t, fs).Initialize(prdV1 + "\n# Extra\n\nMore scope.\n")
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll("plan/notes", 0o755))

	sessions, err := testManager(t, fs).ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, 1, sessions[0].Sequence)
	assert.Equal(t, 2, sessions[1].Sequence)
	assert.Equal(t, sessions[0].ID, sessions[1].ParentSession)
}

func TestWriteArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := testManager(t, fs)
	s, err := m.Initialize(prdV1)
	require.NoError(t, err)

	path, err := m.WriteArtifact(filepath.Join(PRPDir, "P1.M1.T1.S1.md"), []byte("# PRP"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Metadata.Path, PRPDir, "P1.M1.T1.S1.md"), path)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "# PRP", string(data))
}

func TestInitialize_ResumedDeltaSessionKeepsPendingDelta(t *testing.T) {
	fs := afero.NewMemMapFs()
	m1 := testManager(t, fs)
	_, err := m1.Initialize(prdV1)
	require.NoError(t, err)

	prdV2 := prdV1 + "\n# Auth\n\nSessions expire after an hour.\n"
	m2 := testManager(t, fs)
	created, err := m2.Initialize(prdV2)
	require.NoError(t, err)
	require.True(t, created.Delta.Significant())

	// Crash before the delta was reconciled: the rerun resumes but still
	// sees the pending delta.
	m3 := testManager(t, fs)
	resumed, err := m3.Initialize(prdV2)
	require.NoError(t, err)
	assert.True(t, resumed.Resumed)
	assert.False(t, resumed.Delta.Significant())
	require.NotNil(t, resumed.PendingDelta)
	assert.True(t, resumed.PendingDelta.Significant())

	m3.MarkDeltaApplied()
	require.NoError(t, m3.FlushUpdates())

	m4 := testManager(t, fs)
	again, err := m4.Initialize(prdV2)
	require.NoError(t, err)
	assert.Nil(t, again.PendingDelta)
	assert.True(t, again.DeltaApplied)
}

func TestInitialize_UnappliedDeltaFoldsIntoNextChange(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := testManager(t, fs)
	_, err := root.Initialize(prdV1)
	require.NoError(t, err)
	require.NoError(t, root.SaveBacklog(testBacklog()))

	// v2 adds billing; the run stops before the delta is reconciled.
	prdV2 := prdV1 + "\n# Billing\n\nCharge monthly.\n"
	_, err = testManager(t, fs).Initialize(prdV2)
	require.NoError(t, err)

	prdV3 := prdV2 + "\n# Audit\n\nKeep an access log.\n"
	m := testManager(t, fs)
	s3, err := m.Initialize(prdV3)
	require.NoError(t, err)
	require.NotNil(t, s3.Delta)
	assert.Equal(t, prdV1, s3.Delta.OldPRD)

	var sections []string
	for _, ch := range s3.Delta.DiffSummary.Changes {
		sections = append(sections, strings.ToLower(ch.Section))
	}
	assert.Contains(t, strings.Join(sections, "|"), "billing")
	assert.Contains(t, strings.Join(sections, "|"), "audit")

	reloaded, err := testManager(t, fs).LoadSession(s3.Metadata.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.PendingDelta)
	assert.Equal(t, prdV1, reloaded.PendingDelta.OldPRD)
}

func TestUpdate_AppendsAndFlushes(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := testManager(t, fs)
	assert.True(t, fault.HasCode(m.Update(func(*backlog.Backlog) error { return nil }), fault.SessionNotInitialized))

	_, err := m.Initialize(prdV1)
	require.NoError(t, err)
	require.NoError(t, m.SaveBacklog(testBacklog()))

	err = m.Update(func(b *backlog.Backlog) error {
		b.AppendPhase(backlog.Phase{Type: backlog.TypePhase, ID: "PX", Title: "Extra", Status: backlog.StatusPlanned})
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, m.FlushUpdates())

	b, err := m.LoadBacklog()
	require.NoError(t, err)
	_, ok := b.FindItem("P2")
	assert.True(t, ok)

	boom := errors.New("boom")
	assert.ErrorIs(t, m.Update(func(*backlog.Backlog) error { return boom }), boom)
}
