package cli

import (
	"testing"

	"github.com/imkarma/prp/internal/store"
)

func TestFindRun(t *testing.T) {
	runs := []store.PipelineRun{
		{RunID: "3f2a9c10-aaaa"},
		{RunID: "3f2b0000-bbbb"},
		{RunID: "77d1e2f3-cccc"},
	}

	got, err := findRun(runs, "77d1")
	if err != nil || got.RunID != "77d1e2f3-cccc" {
		t.Fatalf("prefix match: got %+v, %v", got, err)
	}

	got, err = findRun(runs, "3f2a9c10-aaaa")
	if err != nil || got.RunID != "3f2a9c10-aaaa" {
		t.Fatalf("exact match: got %+v, %v", got, err)
	}

	if _, err := findRun(runs, "3f2"); err == nil {
		t.Error("expected ambiguous prefix to fail")
	}
	if _, err := findRun(runs, "ffff"); err == nil {
		t.Error("expected unknown run to fail")
	}
}
