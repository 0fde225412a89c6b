package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mcpmate/marketproxy/internal/logging"
)

// Watcher watches the portal override document for changes and delivers the
// raw bytes to callbacks. Malformed documents are still delivered, the merge
// layer degrades per entry, but a schema warning is logged so editors notice.
type Watcher struct {
	watcher   *fsnotify.Watcher
	path      string
	callbacks []func([]byte)
	mu        sync.RWMutex
	debounce  time.Duration
	last      []byte
}

// NewOverrideWatcher creates a watcher over the override document. The file
// itself may not exist yet; its directory must.
func NewOverrideWatcher(path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		path:     path,
		debounce: 500 * time.Millisecond,
	}

	// Load initial document
	doc, err := LoadOverrides(path)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.last = doc

	return w, nil
}

// OnChange registers a callback for override document changes
func (w *Watcher) OnChange(callback func([]byte)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for document changes. Editors replace files by
// rename, so the parent directory is watched rather than the file.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.watch()
	return nil
}

// watch monitors for file changes
func (w *Watcher) watch() {
	var debounceTimer *time.Timer
	var lastEvent time.Time

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// Only react to our document
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			// Debounce rapid events
			now := time.Now()
			if now.Sub(lastEvent) < w.debounce {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
			}
			lastEvent = now

			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload()
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("override watcher error", zap.Error(err))
		}
	}
}

// reload loads the document and notifies callbacks
func (w *Watcher) reload() {
	doc, err := LoadOverrides(w.path)
	if err != nil {
		logging.Error("failed to reload portal overrides", zap.Error(err))
		return
	}

	if len(doc) > 0 {
		if err := ValidateOverrides(doc); err != nil {
			logging.Warn("portal override document has schema violations",
				zap.String("path", w.path),
				zap.Error(err),
			)
		}
	}

	w.mu.Lock()
	w.last = doc
	callbacks := make([]func([]byte), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Info("portal overrides reloaded", zap.String("path", w.path))

	for _, cb := range callbacks {
		cb(doc)
	}
}

// Current returns the last loaded document
func (w *Watcher) Current() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
