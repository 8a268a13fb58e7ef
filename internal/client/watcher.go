package client

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events produced when a key and
// certificate are rotated together.
const reloadDebounce = 500 * time.Millisecond

// IdentityWatcher reloads an Identity when its key or certificate file changes.
type IdentityWatcher struct {
	identity *Identity
	files    map[string]bool // cleaned absolute paths
	logger   *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	debounce *time.Timer
	reloaded func(error) // test hook, called after each reload attempt
}

// NewIdentityWatcher creates a watcher for the identity's files.
func NewIdentityWatcher(id *Identity, logger *slog.Logger) *IdentityWatcher {
	files := make(map[string]bool)
	for _, p := range []string{id.cfg.CertFile, id.cfg.KeyFile} {
		if abs, err := filepath.Abs(p); err == nil {
			files[abs] = true
		}
	}
	return &IdentityWatcher{
		identity: id,
		files:    files,
		logger:   logger.With("component", "identity_watcher"),
	}
}

// Start begins watching. Directories are watched rather than files so that
// atomic rename-into-place rotations are seen.
func (w *IdentityWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			_ = fw.Close()
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	go w.processEvents(fw.Events, fw.Errors, w.stopCh)

	w.logger.Info("watching client identity files for changes")
	return nil
}

func (w *IdentityWatcher) processEvents(events <-chan fsnotify.Event, errs <-chan error, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if abs, err := filepath.Abs(ev.Name); err != nil || !w.files[abs] {
				continue
			}
			w.scheduleReload()
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "err", err)
		}
	}
}

func (w *IdentityWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(reloadDebounce, func() {
		err := w.identity.Reload()
		if err != nil {
			w.logger.Error("client identity reload failed; keeping previous certificate", "err", err)
		}
		w.mu.Lock()
		hook := w.reloaded
		w.mu.Unlock()
		if hook != nil {
			hook(err)
		}
	})
}

// Stop ends watching and cancels any pending reload.
func (w *IdentityWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher == nil {
		return nil
	}
	close(w.stopCh)
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
