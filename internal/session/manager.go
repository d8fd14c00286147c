package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/backlog"
	"github.com/imkarma/prp/internal/fault"
	"github.com/imkarma/prp/internal/prddiff"
)

// Manager owns the on-disk sessions under a base path and the in-memory
// copy of the active one. Status changes are buffered in memory and
// written out by FlushUpdates.
type Manager struct {
	fs       afero.Fs
	basePath string
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	current *Session
	dirty   bool
}

// NewManager creates a manager rooted at basePath on fs.
func NewManager(fs afero.Fs, basePath string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		fs:       fs,
		basePath: basePath,
		log:      log.Named("session"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BasePath returns the directory holding all sessions.
func (m *Manager) BasePath() string { return m.basePath }

// Current returns the active session, or nil before Initialize.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Backlog returns the live in-memory registry of the active session.
// Callers must mutate it only through the manager.
func (m *Manager) Backlog() *backlog.Backlog {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.Backlog
}

// Initialize opens the session matching prd. With no prior session a root
// session is created. When the latest session's snapshot differs from prd
// only in whitespace (or not at all) that session is resumed, with a Delta
// reporting zero changes. Otherwise a delta session is created that carries
// the latest registry forward.
func (m *Manager) Initialize(prd string) (*Session, error) {
	latest, err := m.Latest()
	if err != nil {
		return nil, err
	}

	if latest == nil {
		s, err := m.create(prd, 1, "", nil, nil)
		if err != nil {
			return nil, err
		}
		m.activate(s)
		return s, nil
	}

	result := prddiff.Diff(latest.PRDSnapshot, prd)
	delta := &Delta{OldPRD: latest.PRDSnapshot, NewPRD: prd, DiffSummary: result}

	if !prddiff.HasSignificantChanges(result) {
		latest.Delta = delta
		latest.Resumed = true
		m.log.Info("resuming session",
			zap.String("id", latest.Metadata.ID),
			zap.Bool("identical", latest.Metadata.Hash == Hash(prd)),
		)
		m.activate(latest)
		return latest, nil
	}

	// The carried registry was never reconciled with the latest session's
	// own delta, so the new delta has to span both changes.
	if p := latest.PendingDelta; p != nil {
		result = prddiff.Diff(p.OldPRD, prd)
		delta = &Delta{OldPRD: p.OldPRD, NewPRD: prd, DiffSummary: result}
		m.log.Info("folding unapplied delta into the new session", zap.String("parent", latest.Metadata.ID))
	}

	var carried *backlog.Backlog
	if latest.Backlog != nil {
		carried = latest.Backlog.Clone()
	}
	s, err := m.create(prd, latest.Metadata.Sequence+1, latest.Metadata.ID, carried, delta)
	if err != nil {
		return nil, err
	}
	m.log.Info("requirements changed, created delta session",
		zap.String("id", s.Metadata.ID),
		zap.String("parent", latest.Metadata.ID),
		zap.Int("changes", len(result.Changes)),
	)
	m.activate(s)
	return s, nil
}

func (m *Manager) activate(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	m.dirty = false
}

func (m *Manager) create(prd string, seq int, parent string, carried *backlog.Backlog, delta *Delta) (*Session, error) {
	hash := Hash(prd)
	id := ID(seq, hash)
	dir := filepath.Join(m.basePath, id)

	s := &Session{
		Metadata: Metadata{
			ID:            id,
			Hash:          hash,
			Sequence:      seq,
			Path:          dir,
			CreatedAt:     m.now(),
			ParentSession: parent,
		},
		PRDSnapshot: prd,
		Backlog:     carried,
		Delta:       delta,
	}

	for _, d := range []string{dir, filepath.Join(dir, PRPDir), filepath.Join(dir, QADir)} {
		if err := m.fs.MkdirAll(d, dirPerm); err != nil {
			return nil, fault.Session(fault.SessionSaveFailed, err, "create session directory %s", d)
		}
	}
	if err := m.writeFile(dir, SnapshotFile, []byte(prd)); err != nil {
		return nil, err
	}
	if err := m.writeState(s); err != nil {
		return nil, err
	}
	if carried != nil {
		if err := m.writeBacklog(s, carried); err != nil {
			return nil, err
		}
	}
	if delta != nil {
		data, err := json.MarshalIndent(delta, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal delta: %w", err)
		}
		if err := m.writeFile(dir, DeltaFile, data); err != nil {
			return nil, err
		}
	}

	m.log.Info("session created", zap.String("id", id), zap.String("path", dir))
	return s, nil
}

// SaveBacklog makes b the registry of the active session and persists it.
func (m *Manager) SaveBacklog(b *backlog.Backlog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return fault.Session(fault.SessionNotInitialized, nil, "no active session")
	}
	if err := m.writeBacklog(m.current, b); err != nil {
		return err
	}
	m.current.Backlog = b
	return nil
}

// UpdateItemStatus changes the status of item id in memory and marks the
// registry dirty. It returns the previous status.
func (m *Manager) UpdateItemStatus(id string, status backlog.Status) (backlog.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Backlog == nil {
		return "", fault.Session(fault.SessionNotInitialized, nil, "no backlog loaded")
	}
	old, ok := m.current.Backlog.SetStatus(id, status)
	if !ok {
		return "", fault.Task(fault.TaskNotFound, nil, "item %s not found", id)
	}
	m.dirty = true
	return old, nil
}

// SetCurrentItem records the subtask in flight; empty clears it.
func (m *Manager) SetCurrentItem(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.CurrentItemID == id {
		return
	}
	m.current.CurrentItemID = id
	m.dirty = true
}

// Update applies a structural change to the live registry and marks it
// dirty. The change is persisted by the next FlushUpdates; an error from fn
// leaves the dirty flag untouched.
func (m *Manager) Update(fn func(b *backlog.Backlog) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Backlog == nil {
		return fault.Session(fault.SessionNotInitialized, nil, "no backlog loaded")
	}
	if err := fn(m.current.Backlog); err != nil {
		return err
	}
	m.dirty = true
	return nil
}

// MarkDeltaApplied records that the session's delta has been reconciled
// with its backlog.
func (m *Manager) MarkDeltaApplied() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.DeltaApplied {
		return
	}
	m.current.DeltaApplied = true
	m.current.PendingDelta = nil
	m.dirty = true
}

// FlushUpdates persists buffered changes. It is a no-op when nothing
// changed since the last flush.
func (m *Manager) FlushUpdates() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || !m.dirty {
		return nil
	}
	if m.current.Backlog != nil {
		m.current.Backlog.Rollup()
		if err := m.writeBacklog(m.current, m.current.Backlog); err != nil {
			return err
		}
	}
	if err := m.writeState(m.current); err != nil {
		return err
	}
	m.dirty = false
	return nil
}

// LoadBacklog re-reads and validates the persisted registry of the active
// session.
func (m *Manager) LoadBacklog() (*backlog.Backlog, error) {
	s := m.Current()
	if s == nil {
		return nil, fault.Session(fault.SessionNotInitialized, nil, "no active session")
	}
	b, err := m.readBacklog(s.Metadata.Path)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fault.Session(fault.SessionLoadFailed, os.ErrNotExist, "session %s has no backlog", s.Metadata.ID)
	}
	return b, nil
}

// WriteArtifact atomically stores data under the active session directory
// and returns its path.
func (m *Manager) WriteArtifact(rel string, data []byte) (string, error) {
	s := m.Current()
	if s == nil {
		return "", fault.Session(fault.SessionNotInitialized, nil, "no active session")
	}
	path := filepath.Join(s.Metadata.Path, rel)
	if err := writeAtomic(m.fs, path, data); err != nil {
		return "", fault.Session(fault.SessionSaveFailed, err, "write artifact %s", rel)
	}
	return path, nil
}

// ListSessions returns the metadata of every session, oldest first.
func (m *Manager) ListSessions() ([]Metadata, error) {
	dirs, err := m.sessionDirs()
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(dirs))
	for _, d := range dirs {
		out = append(out, m.readMetadata(d.name, d.seq, d.hash).Metadata)
	}
	return out, nil
}

// Latest loads the session with the highest sequence number, or nil.
func (m *Manager) Latest() (*Session, error) {
	dirs, err := m.sessionDirs()
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, nil
	}
	d := dirs[len(dirs)-1]
	return m.load(d)
}

// LoadSession loads a session by id.
func (m *Manager) LoadSession(id string) (*Session, error) {
	seq, hash, ok := parseDirName(id)
	if !ok {
		return nil, fault.Session(fault.SessionLoadFailed, nil, "invalid session id %q", id)
	}
	return m.load(sessionDir{name: id, seq: seq, hash: hash})
}

type sessionDir struct {
	name string
	seq  int
	hash string
}

func (m *Manager) sessionDirs() ([]sessionDir, error) {
	infos, err := afero.ReadDir(m.fs, m.basePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Session(fault.SessionLoadFailed, err, "read %s", m.basePath)
	}
	var dirs []sessionDir
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		if seq, hash, ok := parseDirName(info.Name()); ok {
			dirs = append(dirs, sessionDir{name: info.Name(), seq: seq, hash: hash})
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].seq < dirs[j].seq })
	return dirs, nil
}

func (m *Manager) load(d sessionDir) (*Session, error) {
	dir := filepath.Join(m.basePath, d.name)

	snapshot, err := afero.ReadFile(m.fs, filepath.Join(dir, SnapshotFile))
	if err != nil {
		return nil, fault.Session(fault.SessionLoadFailed, err, "read snapshot of %s", d.name)
	}
	b, err := m.readBacklog(dir)
	if err != nil {
		return nil, err
	}

	st := m.readMetadata(d.name, d.seq, d.hash)
	s := &Session{
		Metadata:      st.Metadata,
		PRDSnapshot:   string(snapshot),
		Backlog:       b,
		CurrentItemID: st.CurrentItemID,
		DeltaApplied:  st.DeltaApplied,
	}
	if st.Metadata.ParentSession != "" && !st.DeltaApplied {
		s.PendingDelta = m.readDelta(dir)
	}
	return s, nil
}

// readDelta returns nil when delta.json is missing or unreadable.
func (m *Manager) readDelta(dir string) *Delta {
	data, err := afero.ReadFile(m.fs, filepath.Join(dir, DeltaFile))
	if err != nil {
		return nil
	}
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		m.log.Warn("ignoring unreadable delta", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	return &d
}

// readBacklog returns nil without error when the session has not been
// decomposed yet.
func (m *Manager) readBacklog(dir string) (*backlog.Backlog, error) {
	data, err := afero.ReadFile(m.fs, filepath.Join(dir, TasksFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Session(fault.SessionLoadFailed, err, "read %s", TasksFile)
	}
	b, err := backlog.Parse(data)
	if err != nil {
		return nil, fault.Session(fault.SessionLoadFailed, err, "invalid registry in %s", dir)
	}
	return b, nil
}

// readMetadata falls back to the directory name when session.json is
// missing or malformed; that condition is logged, not returned.
func (m *Manager) readMetadata(name string, seq int, hash string) stateFile {
	dir := filepath.Join(m.basePath, name)

	data, err := afero.ReadFile(m.fs, filepath.Join(dir, MetaFile))
	if err == nil {
		var st stateFile
		if err = json.Unmarshal(data, &st); err == nil {
			if err = backlog.Validator().Struct(st.Metadata); err == nil {
				st.Metadata.Path = dir
				return st
			}
		}
	}
	m.log.Warn("session metadata unusable, using directory name",
		zap.Error(fault.Session(fault.SessionInvalidMetadata, err, "metadata of %s", name)))
	return stateFile{Metadata: Metadata{ID: name, Hash: hash, Sequence: seq, Path: dir}}
}

func (m *Manager) writeBacklog(s *Session, b *backlog.Backlog) error {
	data, err := b.Marshal()
	if err != nil {
		return fault.Session(fault.SessionSaveFailed, err, "encode registry")
	}
	return m.writeFile(s.Metadata.Path, TasksFile, data)
}

func (m *Manager) writeState(s *Session) error {
	st := stateFile{Metadata: s.Metadata, CurrentItemID: s.CurrentItemID, DeltaApplied: s.DeltaApplied}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fault.Session(fault.SessionSaveFailed, err, "encode metadata")
	}
	return m.writeFile(s.Metadata.Path, MetaFile, data)
}

func (m *Manager) writeFile(dir, name string, data []byte) error {
	if err := writeAtomic(m.fs, filepath.Join(dir, name), data); err != nil {
		return fault.Session(fault.SessionSaveFailed, err, "save %s", name).With("dir", dir)
	}
	return nil
}
