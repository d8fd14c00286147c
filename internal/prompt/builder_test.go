package prompt

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/prddiff"
	"github.com/imkarma/prp/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testBacklog() *backlog.Backlog {
	return &backlog.Backlog{Phases: []backlog.Phase{{
		Type: backlog.TypePhase, ID: "P1", Title: "Auth", Status: backlog.StatusPlanned,
		Milestones: []backlog.Milestone{{
			Type: backlog.TypeMilestone, ID: "P1.M1", Title: "Login", Status: backlog.StatusPlanned,
			Tasks: []backlog.Task{{
				Type: backlog.TypeTask, ID: "P1.M1.T1", Title: "Login endpoint", Status: backlog.StatusPlanned,
				Description: "POST /auth/login with email and password",
				Subtasks: []backlog.Subtask{
					{Type: backlog.TypeSubtask, ID: "P1.M1.T1.S1", Title: "User model", Status: backlog.StatusComplete, StoryPoints: 1},
					{Type: backlog.TypeSubtask, ID: "P1.M1.T1.S2", Title: "Handler", Status: backlog.StatusPlanned, StoryPoints: 3,
						Dependencies: []string{"P1.M1.T1.S1"}, ContextScope: "internal/http/auth.go"},
				},
			}},
		}},
	}}}
}

func TestDecompose(t *testing.T) {
	p := New(nil).Decompose("# Todo app\nUsers can add todos.")

	for _, want := range []string{"Software Architect", "Users can add todos.", `"story_points"`, "P1.M1.T1.S1"} {
		if !strings.Contains(p, want) {
			t.Errorf("decompose prompt missing %q", want)
		}
	}
}

func TestResearch_IncludesParentAndDependencies(t *testing.T) {
	bl := testBacklog()
	p := New(nil).Research("001_abc", bl, bl.FindSubtask("P1.M1.T1.S2"))

	for _, want := range []string{
		"Technical Researcher",
		"P1.M1.T1.S2: Handler",
		"internal/http/auth.go",
		"Parent Task",
		"POST /auth/login",
		"Milestone P1.M1: Login",
		"P1.M1.T1.S1: User model [Complete]",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("research prompt missing %q", want)
		}
	}
	if strings.Contains(p, "## History") {
		t.Error("no history expected without a store")
	}
}

func TestImplement_History(t *testing.T) {
	s := testStore(t)
	s.AddEvent("001_abc", "P1.M1.T1.S2", "coder", store.EventAgentError, "tests failed")
	s.AddEvent("001_abc", "P1.M1.T1.S2", "", store.EventCommitted, "abc123")

	bl := testBacklog()
	p := New(s).Implement("001_abc", bl, bl.FindSubtask("P1.M1.T1.S2"), "## Goal\nA working handler")

	if !strings.Contains(p, "A working handler") {
		t.Error("implement prompt missing PRP")
	}
	if !strings.Contains(p, "BLOCKED:") {
		t.Error("implement prompt missing BLOCKED instruction")
	}
	if !strings.Contains(p, "tests failed") {
		t.Error("implement prompt missing previous error")
	}
	if strings.Contains(p, "abc123") {
		t.Error("commit events should not be in history")
	}
}

func TestBugHunt(t *testing.T) {
	bl := testBacklog()
	p := New(nil).BugHunt("# Spec", bl.Completed(), 2, "diff --git a/x b/x")

	for _, want := range []string{"QA iteration 2", "P1.M1.T1.S1", "Adversarial", "Concurrency", `"severity"`, "diff --git"} {
		if !strings.Contains(p, want) {
			t.Errorf("bug hunt prompt missing %q", want)
		}
	}
	if strings.Contains(p, "P1.M1.T1.S2") {
		t.Error("bug hunt prompt should only list completed work")
	}
}

func TestDelta_NumbersNewPhases(t *testing.T) {
	bl := testBacklog()
	diff := prddiff.Diff("# A\none\n", "# A\ntwo\n")
	p := New(nil).Delta("# A\none\n", "# A\ntwo\n", diff, bl)

	if !strings.Contains(p, "number them from P2") {
		t.Error("delta prompt should number new phases from P2")
	}
	if !strings.Contains(p, "  - P1.M1 Login [Planned]") {
		t.Errorf("delta prompt missing backlog outline:\n%s", p)
	}
	if strings.Contains(p, "%!") {
		t.Error("delta prompt has a formatting error")
	}
}

func TestTruncateDiff(t *testing.T) {
	long := strings.Repeat("x", 9000)
	got := truncateDiff(long)
	if len(got) >= len(long) || !strings.Contains(got, "9000 bytes total") {
		t.Errorf("unexpected truncation: %d bytes", len(got))
	}
	if truncateDiff("short") != "short" {
		t.Error("short diff should be untouched")
	}
}
