// Package qa verifies the completed work of a session: an agent hunts for
// bugs, every bug becomes a fix subtask, and the hunt repeats until no
// blocking bug is left or the iteration cap is reached.
package qa

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
)

// Severity ranks a bug.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityCosmetic Severity = "cosmetic"
)

// StoryPoints sizes the fix subtask for a bug of this severity.
func (s Severity) StoryPoints() int {
	switch s {
	case SeverityCritical:
		return 13
	case SeverityMajor:
		return 8
	case SeverityMinor:
		return 3
	default:
		return 1
	}
}

// Blocking reports whether a bug of this severity prevents shipping.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityMajor
}

// Bug is one finding of a bug hunt.
type Bug struct {
	ID           string   `json:"id" validate:"required"`
	Severity     Severity `json:"severity" validate:"required,oneof=critical major minor cosmetic"`
	Title        string   `json:"title" validate:"required"`
	Description  string   `json:"description"`
	Reproduction string   `json:"reproduction"`
	Location     string   `json:"location,omitempty"`
}

// TestResults is the structured answer of a bug hunt.
type TestResults struct {
	HasBugs         bool     `json:"has_bugs"`
	Bugs            []Bug    `json:"bugs" validate:"dive"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
}

// Validate checks the field constraints of r.
func (r *TestResults) Validate() error {
	if err := backlog.Validator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fault.Validation(fault.ValidationSchema, err, "test results: %d invalid fields", len(verrs))
		}
		return fault.Validation(fault.ValidationSchema, err, "test results")
	}
	return nil
}

// Blocking returns the critical and major bugs.
func (r *TestResults) Blocking() []Bug {
	var out []Bug
	for _, b := range r.Bugs {
		if b.Severity.Blocking() {
			out = append(out, b)
		}
	}
	return out
}

// Passed reports whether the results are good enough to ship: no critical
// or major bug remains.
func (r *TestResults) Passed() bool {
	return len(r.Blocking()) == 0
}
