package backlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/imkarma/prp/internal/fault"
)

var itemIDRe = regexp.MustCompile(`^P[0-9A-Z]+(\.M\d+(\.T\d+(\.S\d+)?)?)?$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the backlog tags registered.
// Other packages validating agent output reuse it.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("itemid", func(fl validator.FieldLevel) bool {
			return itemIDRe.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("status", func(fl validator.FieldLevel) bool {
			return Status(fl.Field().String()).Valid()
		})
	})
	return validate
}

// ValidID reports whether id is a well-formed hierarchical item id.
func ValidID(id string) bool {
	return itemIDRe.MatchString(id)
}

// Parse decodes and validates a serialized backlog.
func Parse(data []byte) (*Backlog, error) {
	var b Backlog
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fault.Validation(fault.ValidationSchema, err, "decode backlog")
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Marshal serializes the backlog as indented JSON.
func (b *Backlog) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal backlog: %w", err)
	}
	return append(data, '\n'), nil
}

// Validate checks field constraints and the structure of the hierarchy:
// unique ids, child ids prefixed by their parent, and dependencies that
// reference existing subtasks.
func (b *Backlog) Validate() error {
	if err := Validator().Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fault.Validation(fault.ValidationSchema, err, "backlog schema: %s", describe(verrs))
		}
		return fault.Validation(fault.ValidationSchema, err, "backlog schema")
	}

	seen := make(map[string]bool)
	var problems []string
	note := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	check := func(id, parent string) {
		if seen[id] {
			note("duplicate id %s", id)
		}
		seen[id] = true
		if parent != "" && !strings.HasPrefix(id, parent+".") {
			note("%s is not a child of %s", id, parent)
		}
	}

	for _, p := range b.Phases {
		check(p.ID, "")
		for _, m := range p.Milestones {
			check(m.ID, p.ID)
			for _, t := range m.Tasks {
				check(t.ID, m.ID)
				for _, s := range t.Subtasks {
					check(s.ID, t.ID)
				}
			}
		}
	}

	subtasks := make(map[string]bool)
	b.EachSubtask(func(s *Subtask) bool {
		subtasks[s.ID] = true
		return true
	})
	b.EachSubtask(func(s *Subtask) bool {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				note("%s depends on itself", s.ID)
			} else if !subtasks[dep] {
				note("%s depends on unknown subtask %s", s.ID, dep)
			}
		}
		return true
	})

	if len(problems) > 0 {
		return fault.Validation(fault.ValidationSchema, nil, "backlog structure: %s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
