package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quanta/quanta/pkg/telemetry"
)

// reloadDelay debounces bursts of events from editors that write in steps.
const reloadDelay = 100 * time.Millisecond

// Watch follows path and calls onChange with every revision that loads and
// validates. Invalid revisions are logged and skipped. Watch returns once the
// watcher is running; it stops when ctx is cancelled.
func Watch(ctx context.Context, path string, logger *telemetry.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	logger = logger.NewComponentLogger("config")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// The directory is watched so renames onto the file are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDelay, func() {
					cfg, err := Load(abs)
					if err != nil {
						logger.WithError(err).Warn("config change ignored")
						return
					}
					logger.WithField("file", abs).Info("config reloaded")
					onChange(cfg)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			}
		}
	}()

	logger.WithField("file", abs).Debug("watching config")
	return nil
}

// ApplyLogLevel is an onChange callback that applies the logging level of
// the new revision process-wide.
func ApplyLogLevel(cfg *Config) {
	telemetry.SetGlobalLevel(cfg.Telemetry.Logging.Level)
}
