package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const runColumns = `id, run_id, session_id, prd_path, status, phase, continue_on_error, started_at, ended_at`

// StartPipelineRun opens a run in the running state.
func (s *Store) StartPipelineRun(prdPath string, continueOnError bool) (*PipelineRun, error) {
	run := &PipelineRun{
		RunID:           uuid.NewString(),
		PRDPath:         prdPath,
		Status:          RunRunning,
		ContinueOnError: continueOnError,
		StartedAt:       time.Now().UTC(),
	}
	res, err := s.db.Exec(`INSERT INTO pipeline_runs
		(run_id, prd_path, status, continue_on_error, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.PRDPath, run.Status, run.ContinueOnError, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	run.ID, _ = res.LastInsertId()
	return run, nil
}

// UpdateRunPhase moves a run to phase. An empty sessionID keeps the
// session already recorded.
func (s *Store) UpdateRunPhase(runID, phase, sessionID string) error {
	if _, err := s.db.Exec(`UPDATE pipeline_runs
		SET phase = ?, session_id = COALESCE(NULLIF(?, ''), session_id)
		WHERE run_id = ?`, phase, sessionID, runID); err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

// EndPipelineRun closes a run with status completed, failed or
// interrupted.
func (s *Store) EndPipelineRun(runID, status string) error {
	if _, err := s.db.Exec(`UPDATE pipeline_runs SET status = ?, ended_at = ? WHERE run_id = ?`,
		status, time.Now().UTC(), runID); err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	return nil
}

// GetPipelineRun looks a run up by run id. It returns nil, nil when there
// is no such run.
func (s *Store) GetPipelineRun(runID string) (*PipelineRun, error) {
	runs, err := s.queryRuns(`WHERE run_id = ?`, runID)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// ListInterruptedRuns returns the resumable runs, newest first: runs
// stopped by a signal and runs left in the running state by a crash.
func (s *Store) ListInterruptedRuns() ([]PipelineRun, error) {
	return s.queryRuns(`WHERE status IN (?, ?) ORDER BY started_at DESC, id DESC`, RunRunning, RunInterrupted)
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(limit int) ([]PipelineRun, error) {
	return s.queryRuns(`ORDER BY id DESC LIMIT ?`, limit)
}

func (s *Store) queryRuns(tail string, args ...any) ([]PipelineRun, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM pipeline_runs `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return scanAll(rows, func(r *sql.Rows) (PipelineRun, error) {
		var (
			run   PipelineRun
			ended sql.NullTime
		)
		err := r.Scan(&run.ID, &run.RunID, &run.SessionID, &run.PRDPath, &run.Status, &run.Phase,
			&run.ContinueOnError, &run.StartedAt, &ended)
		run.EndedAt = ended.Time
		return run, err
	})
}
