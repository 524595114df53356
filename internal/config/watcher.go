package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/tronagent/internal/observability"
	"github.com/rs/zerolog"
)

const defaultReloadDebounce = 300 * time.Millisecond

// Watcher reloads the store when the config file changes on disk
type Watcher struct {
	loader   *Loader
	store    *Store
	logger   zerolog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a config watcher. Start must be called to begin watching.
func NewWatcher(loader *Loader, store *Store, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		store:    store,
		logger:   logger,
		debounce: defaultReloadDebounce,
	}
}

// Start watches the directory of the config file. Editors replace files by
// rename, so the directory is watched rather than the file.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return fmt.Errorf("config watcher is already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(w.loader.GetConfigPath())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.watcher = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(fsw, w.stopCh, w.doneCh)

	w.logger.Debug().Str("dir", dir).Msg("Config watcher started")
	return nil
}

// Stop stops watching and waits for the event loop to exit
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return nil
	}
	fsw := w.watcher
	close(w.stopCh)
	done := w.doneCh
	w.watcher = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	<-done
	return fsw.Close()
}

func (w *Watcher) run(fsw *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)

	target := filepath.Clean(w.loader.GetConfigPath())

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug().Str("op", event.Op.String()).Msg("Config change detected")
				w.scheduleReload()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-stop:
			return
		}
	}
}

// scheduleReload debounces bursts of writes into one reload
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.logger.Warn().Err(err).Msg("Config reload rejected, keeping previous config")
		}
	})
}

// Reload reads the config file and swaps it into the store when valid
func (w *Watcher) Reload() error {
	cfg, err := w.loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	previous := w.store.Get()
	w.store.Set(cfg)

	w.logger.Info().
		Str("active", cfg.AI.Active).
		Str("previous", previous.AI.Active).
		Msg("Config reloaded")
	observability.RecordConfigAudit(context.Background(), "reload", "watcher", map[string]interface{}{
		"active":          cfg.AI.Active,
		"previous_active": previous.AI.Active,
	})

	return nil
}
