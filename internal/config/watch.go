package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 100 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk. The directory is
// watched rather than the file so editors that replace the file by rename are
// still picked up.
type Watcher struct {
	path     string
	onReload func(*Config)
	log      zerolog.Logger
}

func NewWatcher(path string, log zerolog.Logger, onReload func(*Config)) *Watcher {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Watcher{path: path, onReload: onReload, log: log}
}

// Reload loads the file once and hands it to the callback. Parse errors are
// logged and the previous configuration stays in effect.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("config reload failed")
		return
	}
	w.log.Info().Str("path", w.path).Msg("config reloaded")
	w.onReload(cfg)
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	var (
		mu        sync.Mutex
		debouncer *time.Timer
	)
	defer func() {
		mu.Lock()
		if debouncer != nil {
			debouncer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			debouncer = time.AfterFunc(watchDebounce, w.Reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
