package backlog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Item is a read-only view of any work item in the hierarchy.
type Item struct {
	Type   ItemType
	ID     string
	Title  string
	Status Status
	Depth  int
}

// EachSubtask calls fn for every subtask in document order until fn
// returns false. The pointer refers to the backlog's own storage.
func (b *Backlog) EachSubtask(fn func(s *Subtask) bool) {
	for pi := range b.Phases {
		p := &b.Phases[pi]
		for mi := range p.Milestones {
			m := &p.Milestones[mi]
			for ti := range m.Tasks {
				t := &m.Tasks[ti]
				for si := range t.Subtasks {
					if !fn(&t.Subtasks[si]) {
						return
					}
				}
			}
		}
	}
}

// Items flattens the hierarchy in document order.
func (b *Backlog) Items() []Item {
	var items []Item
	b.walk(func(typ ItemType, id, title string, status *Status, depth int) bool {
		items = append(items, Item{Type: typ, ID: id, Title: title, Status: *status, Depth: depth})
		return true
	})
	return items
}

// walk visits every item at every level, parents before children.
func (b *Backlog) walk(fn func(typ ItemType, id, title string, status *Status, depth int) bool) {
	for pi := range b.Phases {
		p := &b.Phases[pi]
		if !fn(TypePhase, p.ID, p.Title, &p.Status, 0) {
			return
		}
		for mi := range p.Milestones {
			m := &p.Milestones[mi]
			if !fn(TypeMilestone, m.ID, m.Title, &m.Status, 1) {
				return
			}
			for ti := range m.Tasks {
				t := &m.Tasks[ti]
				if !fn(TypeTask, t.ID, t.Title, &t.Status, 2) {
					return
				}
				for si := range t.Subtasks {
					s := &t.Subtasks[si]
					if !fn(TypeSubtask, s.ID, s.Title, &s.Status, 3) {
						return
					}
				}
			}
		}
	}
}

// FindItem looks up an item of any level by id.
func (b *Backlog) FindItem(id string) (Item, bool) {
	var found Item
	ok := false
	b.walk(func(typ ItemType, iid, title string, status *Status, depth int) bool {
		if iid == id {
			found = Item{Type: typ, ID: iid, Title: title, Status: *status, Depth: depth}
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// FindSubtask returns the subtask with the given id, or nil.
func (b *Backlog) FindSubtask(id string) *Subtask {
	var found *Subtask
	b.EachSubtask(func(s *Subtask) bool {
		if s.ID == id {
			found = s
			return false
		}
		return true
	})
	return found
}

// SetStatus replaces the status of any item without checking the
// transition. It returns the previous status.
func (b *Backlog) SetStatus(id string, status Status) (Status, bool) {
	var old Status
	ok := false
	b.walk(func(_ ItemType, iid, _ string, st *Status, _ int) bool {
		if iid == id {
			old = *st
			*st = status
			ok = true
			return false
		}
		return true
	})
	return old, ok
}

// DependenciesMet reports whether every dependency of s is Complete.
func (b *Backlog) DependenciesMet(s *Subtask) bool {
	for _, dep := range s.Dependencies {
		d := b.FindSubtask(dep)
		if d == nil || d.Status != StatusComplete {
			return false
		}
	}
	return true
}

// PendingDependencies lists the dependencies of s that are not Complete.
func (b *Backlog) PendingDependencies(s *Subtask) []string {
	var pending []string
	for _, dep := range s.Dependencies {
		d := b.FindSubtask(dep)
		if d == nil || d.Status != StatusComplete {
			pending = append(pending, dep)
		}
	}
	return pending
}

// NextEligible returns the first Planned subtask whose dependencies are all
// Complete, or nil when nothing can run.
func (b *Backlog) NextEligible() *Subtask {
	var next *Subtask
	b.EachSubtask(func(s *Subtask) bool {
		if s.Status == StatusPlanned && b.DependenciesMet(s) {
			next = s
			return false
		}
		return true
	})
	return next
}

// Completed returns the subtasks currently marked Complete.
func (b *Backlog) Completed() []Subtask {
	var out []Subtask
	b.EachSubtask(func(s *Subtask) bool {
		if s.Status == StatusComplete {
			out = append(out, *s)
		}
		return true
	})
	return out
}

// Counts tallies subtask statuses.
func (b *Backlog) Counts() Counts {
	var c Counts
	b.EachSubtask(func(s *Subtask) bool {
		if s.Status == StatusObsolete {
			c.Obsolete++
			return true
		}
		c.Total++
		c.Points += s.StoryPoints
		switch {
		case s.Status == StatusComplete:
			c.Complete++
			c.DonePoints += s.StoryPoints
		case s.Status == StatusFailed:
			c.Failed++
		case s.Status.InFlight():
			c.InFlight++
		default:
			c.Planned++
		}
		return true
	})
	return c
}

// Rollup recomputes the informational status of every non-leaf item from
// its children. Obsolete parents are left alone.
func (b *Backlog) Rollup() {
	for pi := range b.Phases {
		p := &b.Phases[pi]
		var ms []Status
		for mi := range p.Milestones {
			m := &p.Milestones[mi]
			var ts []Status
			for ti := range m.Tasks {
				t := &m.Tasks[ti]
				ss := make([]Status, 0, len(t.Subtasks))
				for _, s := range t.Subtasks {
					ss = append(ss, s.Status)
				}
				t.Status = aggregate(t.Status, ss)
				ts = append(ts, t.Status)
			}
			m.Status = aggregate(m.Status, ts)
			ms = append(ms, m.Status)
		}
		p.Status = aggregate(p.Status, ms)
	}
}

func aggregate(current Status, children []Status) Status {
	if current == StatusObsolete || len(children) == 0 {
		return current
	}
	var live, complete, failed, started int
	for _, s := range children {
		switch {
		case s == StatusObsolete:
			continue
		case s == StatusComplete:
			complete++
		case s == StatusFailed:
			failed++
		case s.InFlight():
			started++
		}
		live++
	}
	switch {
	case live == 0:
		return StatusObsolete
	case complete == live:
		return StatusComplete
	case started > 0:
		return StatusImplementing
	case complete+failed == live:
		return StatusFailed
	case complete+failed > 0:
		return StatusImplementing
	default:
		return StatusPlanned
	}
}

// Clone returns a deep copy of the backlog.
func (b *Backlog) Clone() *Backlog {
	data, err := json.Marshal(b)
	if err != nil {
		panic(fmt.Sprintf("backlog: clone: %v", err))
	}
	var cp Backlog
	if err := json.Unmarshal(data, &cp); err != nil {
		panic(fmt.Sprintf("backlog: clone: %v", err))
	}
	return &cp
}

// NextPhaseNumber returns one past the highest numeric phase id.
func (b *Backlog) NextPhaseNumber() int {
	highest := 0
	for _, p := range b.Phases {
		if n, err := strconv.Atoi(strings.TrimPrefix(p.ID, "P")); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1
}

// AppendPhase adds p under a fresh phase id, rewriting the ids of its
// descendants and any dependencies that point inside it.
func (b *Backlog) AppendPhase(p Phase) string {
	newID := fmt.Sprintf("P%d", b.NextPhaseNumber())
	b.Phases = append(b.Phases, Renumber(p, newID))
	return newID
}

// Renumber rewrites the id prefix of p and its descendants to newID.
func Renumber(p Phase, newID string) Phase {
	oldID := p.ID
	rewrite := func(id string) string {
		if id == oldID {
			return newID
		}
		if oldID != "" && strings.HasPrefix(id, oldID+".") {
			return newID + strings.TrimPrefix(id, oldID)
		}
		return id
	}

	p.ID = newID
	p.Type = TypePhase
	for mi := range p.Milestones {
		m := &p.Milestones[mi]
		m.ID = rewrite(m.ID)
		for ti := range m.Tasks {
			t := &m.Tasks[ti]
			t.ID = rewrite(t.ID)
			for si := range t.Subtasks {
				s := &t.Subtasks[si]
				s.ID = rewrite(s.ID)
				deps := make([]string, len(s.Dependencies))
				for i, d := range s.Dependencies {
					deps[i] = rewrite(d)
				}
				s.Dependencies = deps
			}
		}
	}
	return p
}
