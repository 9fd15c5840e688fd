// Package watch monitors a source directory and delivers debounced
// batches of changed relative paths, which the caller turns into
// incremental sync jobs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// debounceInterval is how often pending events are checked for
	// flushing, batching rapid writes into a single job per file.
	debounceInterval = 500 * time.Millisecond

	// quietPeriod is how long a path must go without new events before
	// it is included in a batch. Editors often write a file several
	// times in quick succession.
	quietPeriod = 300 * time.Millisecond
)

// Watcher monitors a directory tree for changes. Changed paths
// accumulate while the consumer is busy; each delivered batch is the
// full set of paths dirtied since the previous delivery.
type Watcher struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	batches chan []string
}

// NewWatcher creates a watcher for dir. Watching begins when Watch is
// called.
func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		logger:  logger,
		batches: make(chan []string, 1),
	}
}

// Batches returns the channel batches of changed relative paths are
// delivered on. Closed when Watch returns.
func (w *Watcher) Batches() <-chan []string {
	return w.batches
}

// Watch starts watching the directory tree. It blocks until the context
// is cancelled. Directories are watched recursively, including ones
// created while watching.
func (w *Watcher) Watch(ctx context.Context) error {
	defer close(w.batches)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("watching source dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.dir))

	// pending tracks the last event time per path; dirty holds paths
	// past their quiet period that could not yet be delivered.
	pending := make(map[string]time.Time)
	dirty := make(map[string]struct{})

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				// If a new directory was created, watch it recursively.
				// Use Lstat to avoid following symlinks that could point
				// outside the source tree.
				if event.Has(fsnotify.Create) {
					info, err := os.Lstat(event.Name)
					if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
						_ = w.addRecursive(event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				// The store only receives creates and updates; a removed
				// path just clears any pending work for it. For renames,
				// the new path fires Create separately.
				delete(pending, event.Name)
				delete(dirty, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) < quietPeriod {
					continue
				}

				delete(pending, path)
				dirty[path] = struct{}{}
			}

			w.deliver(dirty)
		}
	}
}

// deliver attempts a non-blocking send of the dirty set as relative
// paths. When the consumer is still syncing the previous batch, the set
// keeps accumulating until the next tick.
func (w *Watcher) deliver(dirty map[string]struct{}) {
	if len(dirty) == 0 {
		return
	}

	batch := make([]string, 0, len(dirty))

	for absPath := range dirty {
		relPath, err := filepath.Rel(w.dir, absPath)
		if err != nil {
			w.logger.Warn("computing relative path", slog.String("error", err.Error()))
			continue
		}

		batch = append(batch, filepath.ToSlash(relPath))
	}

	sort.Strings(batch)

	select {
	case w.batches <- batch:
		for path := range dirty {
			delete(dirty, path)
		}
	default:
	}
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		// The root is exempt from the ignore check: watching a hidden
		// source directory must watch its contents, as the scanner does.
		if path != dir && w.shouldIgnore(path) {
			return filepath.SkipDir
		}

		// Skip symlinked directories to prevent watching outside the
		// source tree.
		if d.Type()&os.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		return w.watcher.Add(path)
	})
}

// shouldIgnore drops event noise early. The scanner applies the same
// built-in ignores plus the rules file when the batch becomes a job.
func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)

	if strings.HasPrefix(base, ".") {
		return true
	}

	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}

	return base == "node_modules"
}
