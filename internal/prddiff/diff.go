// Package prddiff compares two versions of a requirements document section
// by section and grades how much each change matters.
package prddiff

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Kind describes what happened to a section.
type Kind string

const (
	Added    Kind = "added"
	Removed  Kind = "removed"
	Modified Kind = "modified"
)

// Impact grades a change. High means a code block or table changed, which
// usually signals an API or schema change.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// Change is a single section-level difference.
type Change struct {
	Section      string `json:"section"`
	Kind         Kind   `json:"kind"`
	Impact       Impact `json:"impact"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// Stats counts changes by kind.
type Stats struct {
	TotalAdded    int `json:"total_added"`
	TotalRemoved  int `json:"total_removed"`
	TotalModified int `json:"total_modified"`
}

// Result is the outcome of comparing two documents.
type Result struct {
	Changes []Change `json:"changes"`
	Stats   Stats    `json:"stats"`
}

// HasSignificantChanges reports whether any non-whitespace change exists.
func HasSignificantChanges(r Result) bool {
	return len(r.Changes) > 0
}

// Diff compares oldText with newText. Sections are aligned by heading path;
// sections whose content differs only in whitespace produce no change.
func Diff(oldText, newText string) Result {
	oldSecs := Split(oldText)
	newSecs := Split(newText)

	oldByKey := make(map[string]Section, len(oldSecs))
	for _, s := range oldSecs {
		oldByKey[s.Key] = s
	}
	newKeys := make(map[string]bool, len(newSecs))

	var r Result
	for _, ns := range newSecs {
		newKeys[ns.Key] = true
		prev, ok := oldByKey[ns.Key]
		if !ok {
			added, _ := lineDelta("", ns.Content)
			r.Changes = append(r.Changes, Change{
				Section:    ns.Key,
				Kind:       Added,
				Impact:     wholeSectionImpact(ns),
				LinesAdded: added,
			})
			r.Stats.TotalAdded++
			continue
		}
		if collapse(prev.Content) == collapse(ns.Content) {
			continue
		}
		added, removed := lineDelta(prev.Content, ns.Content)
		r.Changes = append(r.Changes, Change{
			Section:      ns.Key,
			Kind:         Modified,
			Impact:       modifiedImpact(prev, ns),
			LinesAdded:   added,
			LinesRemoved: removed,
		})
		r.Stats.TotalModified++
	}

	for _, gone := range oldSecs {
		if newKeys[gone.Key] {
			continue
		}
		_, removed := lineDelta(gone.Content, "")
		r.Changes = append(r.Changes, Change{
			Section:      gone.Key,
			Kind:         Removed,
			Impact:       wholeSectionImpact(gone),
			LinesRemoved: removed,
		})
		r.Stats.TotalRemoved++
	}
	return r
}

func wholeSectionImpact(s Section) Impact {
	if len(s.Contracts) > 0 {
		return ImpactHigh
	}
	return ImpactMedium
}

func modifiedImpact(old, cur Section) Impact {
	if !sameContracts(old.Contracts, cur.Contracts) {
		return ImpactHigh
	}
	if stylistic(old.Content) == stylistic(cur.Content) {
		return ImpactLow
	}
	return ImpactMedium
}

func sameContracts(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// stylistic strips case, punctuation and markdown emphasis so that only
// wording changes survive the comparison.
func stylistic(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune(' ')
		}
	}
	return collapse(sb.String())
}

// lineDelta counts inserted and deleted non-blank lines after whitespace
// normalization.
func lineDelta(oldText, newText string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(normalizeLines(oldText), normalizeLines(newText))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

func normalizeLines(s string) string {
	var sb strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if c := collapse(line); c != "" {
			sb.WriteString(c)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Summary renders the result for logs and prompts.
func (r Result) Summary() string {
	if len(r.Changes) == 0 {
		return "no significant changes"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d change(s): %d added, %d removed, %d modified\n",
		len(r.Changes), r.Stats.TotalAdded, r.Stats.TotalRemoved, r.Stats.TotalModified)
	for _, c := range r.Changes {
		fmt.Fprintf(&sb, "- %s [%s] %s (+%d -%d)\n", c.Kind, c.Impact, c.Section, c.LinesAdded, c.LinesRemoved)
	}
	return sb.String()
}

// HighImpact returns the changes graded high.
func (r Result) HighImpact() []Change {
	var out []Change
	for _, c := range r.Changes {
		if c.Impact == ImpactHigh {
			out = append(out, c)
		}
	}
	return out
}
