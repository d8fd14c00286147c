package store

import "time"

// Run statuses.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// Event types.
const (
	EventAgentError  = "agent_error"
	EventBlocked     = "blocked"
	EventCommitted   = "committed"
	EventQAIteration = "qa_iteration"
	EventDelta       = "delta_applied"
)

// Artifact types.
const (
	ArtifactPRP      = "prp"
	ArtifactQAReport = "qa_report"
)

// Transition is one entry of the append-only status audit log.
type Transition struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id"`
	OldStatus string    `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event represents something that happened to a work item.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id"`
	Agent     string    `json:"agent,omitempty"`
	Type      string    `json:"event_type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact represents a file produced while working on an item.
type Artifact struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id"`
	Type      string    `json:"type"`
	FilePath  string    `json:"file_path"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineRun tracks a pipeline execution for resume-after-crash.
type PipelineRun struct {
	ID              int64     `json:"id"`
	RunID           string    `json:"run_id"`
	SessionID       string    `json:"session_id,omitempty"`
	PRDPath         string    `json:"prd_path"`
	Status          string    `json:"status"` // running, completed, failed, interrupted
	Phase           string    `json:"phase"`
	ContinueOnError bool      `json:"continue_on_error"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
}
