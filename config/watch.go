package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives a freshly loaded and validated configuration.
type ReloadFunc func(ctx context.Context, cfg *Config)

// Watch reloads the configuration whenever the file at path changes and
// passes the result to onChange. load is called to rebuild the layered
// configuration. An invalid file is logged and the previous configuration
// stays in effect. Watch returns once the watch is established; it stops
// when ctx is cancelled.
func Watch(ctx context.Context, path string, debounce time.Duration, load func() (*Config, error), onChange ReloadFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
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
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				cfg, err := load()
				if err != nil {
					logger.Warn("Config reload failed, keeping previous config",
						slog.String("path", abs),
						slog.String("error", err.Error()))
					continue
				}
				logger.Info("Config reloaded", slog.String("path", abs))
				onChange(ctx, cfg)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Config watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}
