package mcp

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce batches the bursts of events editors produce on save.
const DefaultWatchDebounce = 500 * time.Millisecond

// ConfigWatcher calls OnChange after the config file settles following a
// write, create or rename.
type ConfigWatcher struct {
	Path     string
	Debounce time.Duration
	OnChange func(ctx context.Context) error
	Logger   *zap.Logger
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file atomically are still seen.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	target := filepath.Clean(w.Path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("watching MCP config", zap.String("path", target))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("config event", zap.String("op", event.Op.String()))
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))

		case <-timer.C:
			if w.OnChange == nil {
				continue
			}
			if err := w.OnChange(ctx); err != nil {
				logger.Warn("config reload failed", zap.Error(err))
			}
		}
	}
}
