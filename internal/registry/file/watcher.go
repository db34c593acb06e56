package file

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses bursts of writes into one change signal
const DefaultDebounce = 250 * time.Millisecond

// Watcher monitors a registry file and signals when it changes
type Watcher struct {
	path      string
	debounce  time.Duration
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
	changes   chan struct{}
	mu        sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
	debouncer *time.Timer
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:     absPath,
		debounce: debounce,
		watcher:  watcher,
		logger:   logger.With("component", "registry-watcher", "file", absPath),
		changes:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	// The directory is watched so that atomic replacements are seen
	dir := filepath.Dir(absPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch registry directory: %w", err)
	}

	return w, nil
}

// Start begins watching
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.watchLoop()
	w.logger.Info("Registry file watcher started")
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

// Changes returns the channel that receives a value after each change
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", "error", err)

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		w.logger.Debug("Registry file modified", "op", event.Op.String())
		w.schedule()
	case event.Has(fsnotify.Rename):
		w.logger.Debug("Registry file renamed")
		w.schedule()
	case event.Has(fsnotify.Remove):
		w.logger.Warn("Registry file removed")
	}
}

// schedule debounces change notifications
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.debouncer = time.AfterFunc(w.debounce, w.notify)
}

func (w *Watcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
		// a signal is already pending
	}
}
