package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ksev-successor/bramble/internal/events"
)

// Watch re-reads path whenever it is written, created, or renamed into
// place, publishing a SourceConfig/KindConfigReloaded event on bus for
// each successful reload. It blocks until ctx is cancelled. A nil
// logger defaults to slog.Default(); a nil bus is a valid no-op
// publisher (internal/events.Bus is nil-safe).
//
// Grounded on opper-ai-opperator's internal/agent/manager.go config
// watcher (fsnotify.NewWatcher on the containing directory, filtering
// events down to the one file of interest).
func Watch(ctx context.Context, path string, bus *events.Bus, logger *slog.Logger, onReload func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	clean := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != clean {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed", "path", path, "error", err)
				continue
			}

			logger.Info("config reloaded", "path", path)
			bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceConfig,
				Kind:      events.KindConfigReloaded,
				Data:      map[string]any{"path": path},
			})
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
