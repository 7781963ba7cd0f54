package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/promptwire/promptwire/pkg/safego"
)

// Reload debounce, absorbs editor write-then-rename churn.
const watchDebounce = 300 * time.Millisecond

// Watcher hot-reloads configuration when a config file, the overrides
// file, or .env changes. Directories are watched rather than files so
// atomic-save editors do not break the watch.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	onChange func(*Config)
	stop     chan struct{}
}

// NewWatcher builds a watcher; onChange receives every successfully
// reloaded configuration.
func NewWatcher(logger *zap.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		logger:   logger.With(zap.String("component", "config-watcher")),
		onChange: onChange,
		stop:     make(chan struct{}),
	}, nil
}

// Start registers the watch directories and launches the event loop.
// Directories that do not exist are skipped.
func (w *Watcher) Start() error {
	dirs := []string{HomeDir(), ".", "config"}
	watched := 0
	for _, dir := range dirs {
		if err := w.watcher.Add(dir); err == nil {
			watched++
		}
	}
	if watched == 0 {
		w.logger.Warn("no config directories to watch")
	}
	safego.Go(w.logger, "config-watcher", w.loop)
	w.logger.Info("config hot-reload watching started", zap.Int("dirs", watched))
	return nil
}

// Stop ends the event loop and releases the watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
}

func (w *Watcher) loop() {
	var pending <-chan time.Time
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !watchedFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(watchDebounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watch error", zap.Error(err))
		case <-pending:
			pending = nil
			cfg, err := Load()
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous", zap.Error(err))
				continue
			}
			w.logger.Info("configuration reloaded")
			w.onChange(cfg)
		}
	}
}

func watchedFile(path string) bool {
	switch filepath.Base(path) {
	case "config.yaml", "overrides.yaml", ".env":
		return true
	}
	return false
}
