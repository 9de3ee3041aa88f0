package config

import (
	"path/filepath"
	"sync"
	"time"

	"taskpilot/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the workspace config file and invokes a callback with the
// freshly loaded config after each change. Used to hot-reload keyword sets,
// classifier timeout, and log level without a restart.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	workspace   string
	onReload    func(*Config)
	lastReload  time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a config watcher for the given workspace.
// onReload is called from the watcher goroutine after a successful reload.
func NewWatcher(workspace string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		workspace:   workspace,
		onReload:    onReload,
		debounceDur: 500 * time.Millisecond, // debounce rapid editor saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the watch loop runs in a goroutine.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	dir := filepath.Dir(Path(w.workspace))
	if err := w.watcher.Add(dir); err != nil {
		return err
	}

	go w.loop()
	logging.Boot("config watcher started: %s", dir)
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	target := filepath.Base(Path(w.workspace))

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			w.mu.Lock()
			if time.Since(w.lastReload) < w.debounceDur {
				w.mu.Unlock()
				continue
			}
			w.lastReload = time.Now()
			w.mu.Unlock()

			cfg, err := Load(w.workspace)
			if err != nil {
				logging.Get(logging.CategoryBoot).Warn("config reload failed: %v", err)
				continue
			}
			logging.Boot("config reloaded from %s", event.Name)
			if w.onReload != nil {
				w.onReload(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryBoot).Warn("config watcher error: %v", err)
		}
	}
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	_ = w.watcher.Close()
	<-w.doneCh
}
