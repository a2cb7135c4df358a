package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads configuration when the config file changes on disk and
// hands the new Config to a callback. Reconnection policy and governor
// ceilings take effect without a restart.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher creates a config file watcher.
func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) *Watcher {
	return &Watcher{path: path, onChange: onChange, logger: logger}
}

// Run watches until the context is cancelled. Invalid config file states are
// logged and skipped; the previous configuration stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := NewLoader().WithConfigFile(w.path).Load()
			if err != nil {
				w.logger.Warn("config reload skipped", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("config reloaded", "path", w.path)
			w.onChange(cfg)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
