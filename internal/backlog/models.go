// Package backlog defines the hierarchical work plan executed by the
// pipeline: Phases contain Milestones, Milestones contain Tasks, and Tasks
// contain the Subtasks that are the unit of execution.
package backlog

// Status is the lifecycle label of a work item. Any status may replace any
// other; the documented workflow is Planned -> Researching -> Implementing ->
// Complete or Failed, with Obsolete applied by delta reconciliation.
type Status string

const (
	StatusPlanned      Status = "Planned"
	StatusResearching  Status = "Researching"
	StatusImplementing Status = "Implementing"
	StatusComplete     Status = "Complete"
	StatusFailed       Status = "Failed"
	StatusObsolete     Status = "Obsolete"
)

// Statuses lists every valid status in workflow order.
var Statuses = []Status{
	StatusPlanned,
	StatusResearching,
	StatusImplementing,
	StatusComplete,
	StatusFailed,
	StatusObsolete,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// InFlight reports whether work on the item started but did not finish.
func (s Status) InFlight() bool {
	return s == StatusResearching || s == StatusImplementing
}

// ItemType distinguishes the four levels of the hierarchy.
type ItemType string

const (
	TypePhase     ItemType = "Phase"
	TypeMilestone ItemType = "Milestone"
	TypeTask      ItemType = "Task"
	TypeSubtask   ItemType = "Subtask"
)

// Subtask is the atomic unit of execution.
type Subtask struct {
	Type         ItemType `json:"type" validate:"eq=Subtask"`
	ID           string   `json:"id" validate:"required,itemid"`
	Title        string   `json:"title" validate:"required"`
	Status       Status   `json:"status" validate:"required,status"`
	StoryPoints  int      `json:"story_points" validate:"min=1"`
	Dependencies []string `json:"dependencies"`
	ContextScope string   `json:"context_scope"`
}

// Task groups related subtasks.
type Task struct {
	Type        ItemType  `json:"type" validate:"eq=Task"`
	ID          string    `json:"id" validate:"required,itemid"`
	Title       string    `json:"title" validate:"required"`
	Status      Status    `json:"status" validate:"required,status"`
	Description string    `json:"description"`
	Subtasks    []Subtask `json:"subtasks" validate:"dive"`
}

// Milestone groups tasks.
type Milestone struct {
	Type        ItemType `json:"type" validate:"eq=Milestone"`
	ID          string   `json:"id" validate:"required,itemid"`
	Title       string   `json:"title" validate:"required"`
	Status      Status   `json:"status" validate:"required,status"`
	Description string   `json:"description"`
	Tasks       []Task   `json:"tasks" validate:"dive"`
}

// Phase is the top level of the plan.
type Phase struct {
	Type        ItemType    `json:"type" validate:"eq=Phase"`
	ID          string      `json:"id" validate:"required,itemid"`
	Title       string      `json:"title" validate:"required"`
	Status      Status      `json:"status" validate:"required,status"`
	Description string      `json:"description"`
	Milestones  []Milestone `json:"milestones" validate:"dive"`
}

// Backlog is the full task registry of a session.
type Backlog struct {
	Phases []Phase `json:"backlog" validate:"dive"`
}

// Counts summarizes subtask statuses.
type Counts struct {
	Total    int // every subtask except obsolete ones
	Planned  int
	InFlight int
	Complete int
	Failed   int
	Obsolete int
	// Story points of non-obsolete subtasks and of completed ones.
	Points     int
	DonePoints int
}
