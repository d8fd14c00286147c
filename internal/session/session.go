// Package session persists planning sessions on disk. A session is keyed by
// a hash of the requirements document it was planned against, and a new
// delta session is derived whenever that document changes materially.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/prddiff"
)

// File names inside a session directory.
const (
	SnapshotFile = "prd_snapshot.md"
	TasksFile    = "tasks.json"
	MetaFile     = "session.json"
	DeltaFile    = "delta.json"
	PRPDir       = "prps"
	QADir        = "qa"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

var dirNameRe = regexp.MustCompile(`^(\d{3,})_([0-9a-f]{12})$`)

// Metadata identifies a session.
type Metadata struct {
	ID            string    `json:"id" validate:"required"`
	Hash          string    `json:"hash" validate:"required,len=12,hexadecimal"`
	Sequence      int       `json:"sequence" validate:"min=1"`
	Path          string    `json:"path"`
	CreatedAt     time.Time `json:"created_at" validate:"required"`
	ParentSession string    `json:"parent_session,omitempty"`
}

// Delta records how a session's requirements differ from its parent's.
type Delta struct {
	OldPRD      string         `json:"old_prd"`
	NewPRD      string         `json:"new_prd"`
	DiffSummary prddiff.Result `json:"diff_summary"`
}

// Significant reports whether the delta carries any real change.
func (d *Delta) Significant() bool {
	return d != nil && prddiff.HasSignificantChanges(d.DiffSummary)
}

// Session is the in-memory state of one planning run.
type Session struct {
	Metadata      Metadata
	PRDSnapshot   string
	Backlog       *backlog.Backlog // nil until the plan is decomposed
	CurrentItemID string
	Delta         *Delta
	// Resumed is set when Initialize reopened an existing session instead
	// of creating one.
	Resumed bool
	// PendingDelta is the delta a reopened session was created with when
	// it has not been applied to the backlog yet.
	PendingDelta *Delta
	DeltaApplied bool
}

// stateFile is the on-disk form of session.json.
type stateFile struct {
	Metadata      Metadata `json:"metadata"`
	CurrentItemID string   `json:"current_item_id,omitempty"`
	DeltaApplied  bool     `json:"delta_applied,omitempty"`
}

// Hash returns the first 12 hex characters of the SHA-256 of prd.
func Hash(prd string) string {
	sum := sha256.Sum256([]byte(prd))
	return hex.EncodeToString(sum[:])[:12]
}

// ID formats a session id from its sequence number and hash.
func ID(seq int, hash string) string {
	return fmt.Sprintf("%03d_%s", seq, hash)
}

// parseDirName extracts the sequence and hash from a session directory name.
func parseDirName(name string) (int, string, bool) {
	m := dirNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	seq, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return seq, m[2], true
}
