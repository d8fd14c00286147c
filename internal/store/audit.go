package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordTransition appends a status change to the audit log and returns
// it with its id, event id and timestamp filled in. The log is append-only.
func (s *Store) RecordTransition(t Transition) (*Transition, error) {
	if t.EventID == "" {
		t.EventID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	res, err := s.db.Exec(`INSERT INTO transitions
		(event_id, session_id, item_id, old_status, new_status, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.EventID, t.SessionID, t.ItemID, t.OldStatus, t.NewStatus, t.Reason, t.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("record transition %s: %w", t.ItemID, err)
	}
	t.ID, _ = res.LastInsertId()
	return &t, nil
}

// GetTransitions lists a session's transitions in recording order. A
// non-empty itemID narrows the list to that item.
func (s *Store) GetTransitions(sessionID, itemID string) ([]Transition, error) {
	q := `SELECT id, event_id, session_id, item_id, old_status, new_status, reason, timestamp
		FROM transitions WHERE session_id = ?`
	args := []any{sessionID}
	if itemID != "" {
		q += ` AND item_id = ?`
		args = append(args, itemID)
	}
	rows, err := s.db.Query(q+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	return scanAll(rows, func(r *sql.Rows) (Transition, error) {
		var t Transition
		err := r.Scan(&t.ID, &t.EventID, &t.SessionID, &t.ItemID, &t.OldStatus, &t.NewStatus, &t.Reason, &t.Timestamp)
		return t, err
	})
}

// AddEvent notes something that happened to an item, such as an agent
// error or a commit.
func (s *Store) AddEvent(sessionID, itemID, agent, eventType, content string) error {
	if _, err := s.db.Exec(`INSERT INTO events
		(session_id, item_id, agent, event_type, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, itemID, agent, eventType, content, time.Now().UTC()); err != nil {
		return fmt.Errorf("add %s event for %s: %w", eventType, itemID, err)
	}
	return nil
}

// GetEvents returns an item's events, oldest first.
func (s *Store) GetEvents(sessionID, itemID string) ([]Event, error) {
	rows, err := s.db.Query(`SELECT id, session_id, item_id, agent, event_type, content, timestamp
		FROM events WHERE session_id = ? AND item_id = ? ORDER BY id`, sessionID, itemID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanAll(rows, func(r *sql.Rows) (Event, error) {
		var e Event
		err := r.Scan(&e.ID, &e.SessionID, &e.ItemID, &e.Agent, &e.Type, &e.Content, &e.Timestamp)
		return e, err
	})
}

// AddArtifact indexes a file written into the session directory.
func (s *Store) AddArtifact(sessionID, itemID, artifactType, filePath string) error {
	if _, err := s.db.Exec(`INSERT INTO artifacts
		(session_id, item_id, type, file_path, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sessionID, itemID, artifactType, filePath, time.Now().UTC()); err != nil {
		return fmt.Errorf("add %s artifact for %s: %w", artifactType, itemID, err)
	}
	return nil
}

// ListArtifacts returns a session's artifacts, oldest first.
func (s *Store) ListArtifacts(sessionID string) ([]Artifact, error) {
	rows, err := s.db.Query(`SELECT id, session_id, item_id, type, file_path, timestamp
		FROM artifacts WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	return scanAll(rows, func(r *sql.Rows) (Artifact, error) {
		var a Artifact
		err := r.Scan(&a.ID, &a.SessionID, &a.ItemID, &a.Type, &a.FilePath, &a.Timestamp)
		return a, err
	})
}
