// Package watch re-runs a sync whenever files under a local path change.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/pingsync/internal/fileset"
	"github.com/schaermu/pingsync/internal/ledger"
)

// DefaultDelay is how long the tree must stay quiet before a sync starts
const DefaultDelay = 2 * time.Second

// SyncFunc performs one sync of the watched path
type SyncFunc func(ctx context.Context) error

// Watcher triggers a SyncFunc on file events, debounced and single-flight
type Watcher struct {
	path   string
	dir    string
	single bool
	filter *fileset.Filter
	run    SyncFunc
	logger *slog.Logger

	fs       *fsnotify.Watcher
	debounce *debouncer

	syncMu      sync.Mutex // guards syncRunning, syncPending and closed
	syncRunning bool
	syncPending bool
	closed      bool
	inflight    sync.WaitGroup
}

// debouncer collapses a burst of triggers into one callback
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// New creates a watcher for path, which may be a file or a directory. A
// non-positive delay selects DefaultDelay.
func New(path string, filter *fileset.Filter, delay time.Duration, run SyncFunc, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
	}
	if delay <= 0 {
		delay = DefaultDelay
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:     abs,
		dir:      abs,
		filter:   filter,
		run:      run,
		logger:   logger,
		fs:       fsw,
		debounce: &debouncer{delay: delay},
	}
	if !info.IsDir() {
		w.single = true
		w.dir = filepath.Dir(abs)
	}
	return w, nil
}

// Run performs an initial sync, then syncs again after every quiet period
// following a change. It returns when ctx is cancelled and the running sync
// has finished.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.fs.Close()
	}()

	if err := w.addTree(w.dir); err != nil {
		return err
	}

	w.logger.Info("performing initial sync before watching", "path", w.path)
	w.performSync(ctx)

	for {
		select {
		case <-ctx.Done():
			w.debounce.stop()
			w.syncMu.Lock()
			w.closed = true
			w.syncMu.Unlock()
			w.inflight.Wait()
			w.logger.Info("watcher stopped")
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

// addTree watches dir and every directory below it that is not excluded.
// A watched single file only needs its parent directory.
func (w *Watcher) addTree(dir string) error {
	if w.single {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		return nil
	}
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != dir && w.ignored(path, true) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			w.logger.Warn("could not watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// ignored reports whether changes to path must not trigger a sync: ledger
// trees, sidecars and anything the exclude filter drops.
func (w *Watcher) ignored(path string, dir bool) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, seg := range strings.Split(rel, "/") {
		if seg == ledger.DirName {
			return true
		}
	}
	if ledger.IsSidecar(filepath.Base(path)) {
		return true
	}
	if dir {
		rel += "/"
	}
	return w.filter.Excluded(rel)
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if w.single && event.Name != w.path {
		return
	}

	info, statErr := os.Lstat(event.Name)
	isDir := statErr == nil && info.IsDir()
	if statErr == nil && info.Mode()&os.ModeSymlink != 0 {
		return
	}
	if w.ignored(event.Name, isDir) {
		return
	}

	// New directories are watched as soon as they appear.
	if isDir && event.Op&fsnotify.Create == fsnotify.Create {
		if err := w.addTree(event.Name); err != nil {
			w.logger.Warn("could not watch new directory", "path", event.Name, "error", err)
		}
	}

	w.logger.Debug("change detected", "path", event.Name, "op", event.Op.String())
	w.debounce.trigger(func() {
		w.performSync(ctx)
	})
}

// performSync runs the sync with single-flight semantics. A request that
// arrives while a sync is running queues at most one re-run.
func (w *Watcher) performSync(ctx context.Context) {
	w.syncMu.Lock()
	if w.closed {
		w.syncMu.Unlock()
		return
	}
	if w.syncRunning {
		w.syncPending = true
		w.syncMu.Unlock()
		w.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	w.syncRunning = true
	w.inflight.Add(1)
	w.syncMu.Unlock()
	defer w.inflight.Done()

	for {
		if ctx.Err() != nil {
			w.syncMu.Lock()
			w.syncRunning = false
			w.syncPending = false
			w.syncMu.Unlock()
			return
		}

		w.logger.Info("performing sync", "path", w.path)
		if err := w.run(ctx); err != nil {
			w.logger.Error("sync failed", "error", err)
		} else {
			w.logger.Info("sync completed")
		}

		w.syncMu.Lock()
		if !w.syncPending {
			w.syncRunning = false
			w.syncMu.Unlock()
			return
		}
		w.syncPending = false
		w.syncMu.Unlock()

		w.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules callback to run once the delay passes without another
// trigger.
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
