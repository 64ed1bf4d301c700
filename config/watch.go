package config

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// Watch calls onChange with the reloaded Config each time the file at path
// changes, until ctx is cancelled. The parent directory is watched rather
// than the file so saves that rename a temporary file over path are seen.
//
// A reload that fails to parse or validate is logged and skipped; onChange
// only ever sees valid configurations. A nil logger means slog.Default().
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	target := filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	logger.Info("watching config", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&reloadOps == 0 {
				continue
			}
			reload(target, logger, onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "path", target, "error", err)
		}
	}
}

func reload(path string, logger *slog.Logger, onChange func(*Config)) {
	// renaming path away also reports Rename on it
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		logger.Debug("config file moved away, waiting for a replacement", "path", path)
		return
	}

	cfg, err := Load(path)
	if err != nil {
		logger.Error("config reload failed, keeping previous settings", "path", path, "error", err)
		return
	}

	logger.Info("config reloaded", "path", path)
	onChange(cfg)
}
