package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is invoked with the freshly loaded configuration after a
// successful reload.
type ReloadHandler func(cfg *Config)

// Watcher hot-reloads the config file on change so threshold and
// trigger-phrase edits are picked up without a restart. A reload that fails
// to parse or validate keeps the previous configuration.
type Watcher struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	handlers []ReloadHandler

	mu      sync.RWMutex
	current *Config

	// debounce coalesces editor write bursts into one reload
	debounce time.Duration
}

// NewWatcher creates a watcher around an already loaded configuration.
func NewWatcher(path string, initial *Config, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops
	// per-file watches.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		watcher:  fsw,
		current:  initial,
		debounce: 250 * time.Millisecond,
	}, nil
}

// Current returns the latest valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers a handler called after each successful reload.
func (w *Watcher) OnReload(h ReloadHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Run watches for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous configuration",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	handlers := make([]ReloadHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", zap.String("path", w.path))
	for _, h := range handlers {
		h(cfg)
	}
}
