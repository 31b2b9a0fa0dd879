package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hazyhaar/oddswatch/events"
)

// ReloadFunc receives the freshly loaded configuration. Only the
// selector-engine tunables are expected to take effect at runtime;
// subsystems that cannot re-wire ignore the rest.
type ReloadFunc func(cfg *Config)

// Watch re-loads the config file on change and hands the result to
// apply. Edits arrive as bursts of writes, so reloads are debounced.
// Returns when ctx is cancelled.
func Watch(ctx context.Context, path string, bus events.Publisher, apply ReloadFunc, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a watch
	// on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	var debounce *time.Timer
	reload := func() {
		cfg, lerr := Load(path)
		if lerr != nil {
			log.Error("config: reload failed, keeping previous", "path", path, "error", lerr)
			return
		}
		apply(cfg)
		log.Info("config: reloaded", "path", path)
		if bus != nil {
			bus.Publish(ctx, events.Event{
				Kind:      events.ConfigChanged,
				Severity:  events.SeverityLow,
				Component: "config",
				Detail:    map[string]any{"path": path},
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, reload)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config: watcher error", "error", werr)
		}
	}
}
