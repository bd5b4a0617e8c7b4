package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the window within which events for the same path are
// coalesced before re-ingestion. Editors commonly emit several writes per
// save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches a directory tree and keeps the corpus in sync: supported
// files are re-ingested on create/write and removed on delete/rename.
type Watcher struct {
	ingester *Ingester
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer
	flushCh chan map[string]fsnotify.Op

	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewWatcher creates a watcher over the given ingester. A non-positive
// debounce uses DefaultDebounce.
func NewWatcher(ingester *Ingester, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		ingester: ingester,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]fsnotify.Op),
		flushCh:  make(chan map[string]fsnotify.Op, 8),
		done:     make(chan struct{}),
	}
}

// Start begins watching root recursively and blocks until ctx is cancelled
// or the underlying watcher fails. New subdirectories are added as they
// appear.
func (w *Watcher) Start(ctx context.Context, root string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	w.fsw = fsw
	defer fsw.Close()
	defer close(w.done)

	if err := addRecursive(fsw, root); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}

	w.logger.Info("watching for changes",
		slog.String("root", root),
		slog.Duration("debounce", w.debounce))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case batch := <-w.flushCh:
			w.process(ctx, batch)

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// Done is closed when Start returns. Useful for tests and shutdown ordering.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	// New directories must be watched before files land in them.
	if event.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			_ = addRecursive(fsw, event.Name)
			return
		}
	}

	if !SupportedFile(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] |= event.Op
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.timer = nil
	w.mu.Unlock()

	if len(batch) > 0 {
		w.flushCh <- batch
	}
}

func (w *Watcher) process(ctx context.Context, batch map[string]fsnotify.Op) {
	for path, op := range batch {
		switch {
		case op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename):
			if err := w.ingester.RemoveFile(ctx, path); err != nil {
				w.logger.Warn("remove failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
		case op.Has(fsnotify.Create) || op.Has(fsnotify.Write):
			if _, err := w.ingester.IngestFile(ctx, path); err != nil {
				w.logger.Warn("reingest failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
		}
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() != filepath.Base(root) && len(d.Name()) > 0 && d.Name()[0] == '.' {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
