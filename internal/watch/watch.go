package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is a wrapper around fsnotify.Event
type Event struct {
	Name string
	Op   fsnotify.Op
}

// Watcher reports debounced changes under a directory tree
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	onChange func(Event)
	logger   *slog.Logger

	closeOnce sync.Once
}

// New creates a watcher for root and everything below it. Directories are
// registered before New returns.
func New(root string, debounce time.Duration, onChange func(Event), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		root:     root,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree registers dir and its subdirectories, skipping hidden ones like .git
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Run dispatches events until ctx is done or Close is called.
func (w *Watcher) Run(ctx context.Context) {
	defer w.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Ignore chmod events
			if event.Op == fsnotify.Chmod {
				continue
			}

			// Handle new directories
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("Failed to watch directory", "path", event.Name, "error", err)
					}
				}
			}

			// Debounce rapid events (e.g. during a wasm build)
			ev := Event{Name: event.Name, Op: event.Op}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.onChange(ev)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

// Close releases the underlying watcher. It is safe to call more than once.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("Failed to close file watcher", "error", err)
		}
	})
}
