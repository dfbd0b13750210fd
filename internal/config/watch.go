package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// WatchLimits reloads the limits file whenever it changes and hands the result to onChange.
// The parent directory is watched so editors that replace the file by rename are picked up.
// Invalid files are logged and ignored; the previous limits stay in effect.
func WatchLimits(ctx context.Context, path string, disabled []string, logger *slog.Logger, onChange func(Limits)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Debug("failed to close limits watcher", "error", closeErr)
		}
	}()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("Watching limits file", "path", target)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Limits watcher error", "error", err)
		case <-debounce:
			debounce = nil
			limits, err := LoadLimits(target)
			if err != nil {
				logger.Warn("Ignoring invalid limits file", "path", target, "error", err)
				continue
			}
			limits.Disable(disabled...)
			logger.Info("Limits reloaded", "path", target, "tools", len(limits.Tools))
			onChange(limits)
		}
	}
}
