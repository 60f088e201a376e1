// Package watcher monitors model files for external modification.
//
// Each watched file is monitored through its parent directory, since editors
// that save atomically replace the file and break a direct file watch. Events
// are debounced so a burst of writes from one save produces one notification.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chasegan/kalix-core/logger"
)

// defaultDebounce is the quiet window used when none is configured.
const defaultDebounce = 500 * time.Millisecond

// ChangeCallback is called with the absolute path of a watched file after it
// has been modified and the quiet window has elapsed.
type ChangeCallback func(path string)

// Watcher monitors model files for external changes.
type Watcher struct {
	mu       sync.RWMutex
	debounce time.Duration
	callback ChangeCallback
	watches  map[string]*fileWatch // absolute path → watch
	closed   bool
	log      *slog.Logger
}

type fileWatch struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates a watcher that reports changes through callback after the
// given quiet window. A non-positive debounce selects the 500ms default.
func New(debounce time.Duration, callback ChangeCallback) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		debounce: debounce,
		callback: callback,
		watches:  make(map[string]*fileWatch),
		log:      logger.WithComponent("watcher"),
	}
}

// Watch starts watching a model file. The file's directory must exist; the
// file itself may not yet, in which case its creation fires the callback.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if _, exists := w.watches[abs]; exists {
		return fmt.Errorf("already watching %s", abs)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return err
	}

	fw := &fileWatch{
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}
	w.watches[abs] = fw

	go w.watchLoop(fw)

	w.log.Debug("watching model file", "path", abs)
	return nil
}

// Unwatch stops watching a file. Unknown paths are ignored.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watches[abs]
	if ok {
		delete(w.watches, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
		w.log.Debug("stopped watching model file", "path", abs)
	}
}

// Watched returns the absolute paths currently being watched, sorted.
func (w *Watcher) Watched() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	paths := make([]string, 0, len(w.watches))
	for p := range w.watches {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Close stops all watches. The watcher cannot be reused afterwards.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	paths := make([]string, 0, len(w.watches))
	for p := range w.watches {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}

// watchLoop processes fsnotify events for one file with debouncing.
func (w *Watcher) watchLoop(fw *fileWatch) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			// Create and Rename cover editors that replace the file on save.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset the timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.notify(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("file watch error", "path", fw.path, "error", err)
		}
	}
}

// notify fires the change callback once the quiet window has elapsed.
func (w *Watcher) notify(fw *fileWatch) {
	// The file may be mid-replace when the events fired. If it is gone by
	// the end of the quiet window there is nothing to reload.
	if _, err := os.Stat(fw.path); err != nil {
		return
	}

	select {
	case <-fw.cancel:
		return
	default:
	}

	w.log.Debug("model file changed", "path", fw.path)
	if w.callback != nil {
		w.callback(fw.path)
	}
}
