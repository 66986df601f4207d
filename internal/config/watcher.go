package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tether/pkg/logging"
)

// DefaultDebounceInterval is the time to wait after the last file
// change before reloading. Editors often write a file several times in
// quick succession.
const DefaultDebounceInterval = 500 * time.Millisecond

// DefaultWatchInterval is the fallback polling interval when fsnotify
// is unavailable.
const DefaultWatchInterval = 10 * time.Second

// WatcherConfig holds configuration for the config file watcher.
type WatcherConfig struct {
	// Path is the config file to watch.
	Path string

	// WatchInterval is the fallback polling interval when fsnotify is
	// not available.
	WatchInterval time.Duration

	// OnReload is called with the freshly loaded configuration after
	// the file changes and parses cleanly. Reload failures are logged
	// and the previous configuration stays in effect.
	OnReload func(Config)
}

// Watcher monitors the config file for changes and reloads it. It uses
// fsnotify with a fallback to polling for environments where fsnotify
// is unavailable. The watcher observes the parent directory rather than
// the file itself so atomic save (write temp, rename over) is caught.
type Watcher struct {
	mu sync.Mutex

	config WatcherConfig

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	running   bool

	// lastModTime tracks the file for fallback polling.
	lastModTime time.Time

	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a config file watcher. Start must be called to
// begin watching.
func NewWatcher(config WatcherConfig) *Watcher {
	if config.WatchInterval == 0 {
		config.WatchInterval = DefaultWatchInterval
	}
	return &Watcher{config: config}
}

// Start begins watching for config changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.stopCh = make(chan struct{})
	w.running = true

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("ConfigWatcher", "fsnotify not available, falling back to polling: %v", err)
		go w.pollForChanges()
		return nil
	}

	w.fsWatcher = watcher

	dir := filepath.Dir(w.config.Path)
	if err := w.fsWatcher.Add(dir); err != nil {
		logging.Warn("ConfigWatcher", "Failed to watch directory %s, falling back to polling: %v", dir, err)
		w.fsWatcher.Close()
		w.fsWatcher = nil
		go w.pollForChanges()
		return nil
	}

	// Capture channels before releasing the lock to avoid racing Stop.
	eventsCh := w.fsWatcher.Events
	errorsCh := w.fsWatcher.Errors

	go w.processEvents(eventsCh, errorsCh)

	logging.Info("ConfigWatcher", "Watching %s for configuration changes", w.config.Path)
	return nil
}

// IsRunning returns whether the watcher is currently active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Stop ends watching. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopCh)

	if w.fsWatcher != nil {
		w.fsWatcher.Close()
		w.fsWatcher = nil
	}

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()
}

func (w *Watcher) processEvents(eventsCh <-chan fsnotify.Event, errorsCh <-chan error) {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-eventsCh:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			logging.Error("ConfigWatcher", err, "fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.config.Path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	logging.Debug("ConfigWatcher", "Config file changed: %s", event.Name)
	w.triggerReloadDebounced()
}

// triggerReloadDebounced schedules a reload after the debounce period,
// resetting the timer on every new change.
func (w *Watcher) triggerReloadDebounced() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(DefaultDebounceInterval, func() {
		w.mu.Lock()
		running := w.running
		callback := w.config.OnReload
		w.mu.Unlock()

		if !running || callback == nil {
			return
		}

		cfg, err := Load(w.config.Path)
		if err != nil {
			logging.Error("ConfigWatcher", err, "Reload failed, keeping previous configuration")
			return
		}
		callback(cfg)
	})
}

// pollForChanges implements fallback polling when fsnotify is not
// available.
func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(w.config.WatchInterval)
	defer ticker.Stop()

	if info, err := os.Stat(w.config.Path); err == nil {
		w.lastModTime = info.ModTime()
	}

	for {
		select {
		case <-w.stopCh:
			return

		case <-ticker.C:
			info, err := os.Stat(w.config.Path)
			if err != nil {
				continue
			}
			if info.ModTime().After(w.lastModTime) {
				w.lastModTime = info.ModTime()
				logging.Debug("ConfigWatcher", "Config file change detected via polling")
				w.triggerReloadDebounced()
			}
		}
	}
}
