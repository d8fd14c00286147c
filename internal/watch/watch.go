// Package watch follows a PRD file on disk and reports edits that change
// its requirements.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/prddiff"
)

// DefaultDebounce batches the bursts of events a single save produces.
const DefaultDebounce = 500 * time.Millisecond

// Change is a significant edit of the watched file.
type Change struct {
	Path    string
	Content string
	Result  prddiff.Result
}

// Watcher reports significant changes of one file relative to a baseline.
// Editors often save by renaming a temp file over the original, so the
// parent directory is watched and events are filtered by name.
type Watcher struct {
	Debounce time.Duration

	path     string
	baseline string
	fsw      *fsnotify.Watcher
	log      *zap.Logger
}

// New watches path. baseline is the content changes are measured against,
// typically the snapshot of the latest session.
func New(path, baseline string, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		Debounce: DefaultDebounce,
		path:     abs,
		baseline: baseline,
		fsw:      fsw,
		log:      log.Named("watch"),
	}, nil
}

// Run delivers changes to onChange until ctx is done. Each delivered change
// becomes the new baseline. The watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context, onChange func(Change)) error {
	defer w.fsw.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			w.log.Debug("file event", zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				timer.Reset(w.Debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))

		case <-fire:
			fire = nil
			w.check(onChange)
		}
	}
}

func (w *Watcher) check(onChange func(Change)) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// Mid-save; the next event retries.
		w.log.Debug("read watched file", zap.Error(err))
		return
	}
	content := string(data)
	result := prddiff.Diff(w.baseline, content)
	if !prddiff.HasSignificantChanges(result) {
		w.log.Debug("edit without requirement changes")
		return
	}
	w.baseline = content
	w.log.Info("requirements changed", zap.Int("changes", len(result.Changes)))
	onChange(Change{Path: w.path, Content: content, Result: result})
}
