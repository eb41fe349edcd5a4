package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"dhi/internal/logging"
)

// Watch observes .dhi/config.json and invokes onChange (after reloading the
// logging section) whenever the file is written. It blocks until ctx is
// cancelled. Editors replace files with rename-write cycles, so the watcher
// targets the directory and filters by name.
func Watch(ctx context.Context, workspace string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(Path(workspace))
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Base(Path(workspace))
	var lastReload time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce rapid write bursts from editors.
			if time.Since(lastReload) < 200*time.Millisecond {
				continue
			}
			lastReload = time.Now()

			if err := logging.ReloadConfig(); err != nil {
				logging.BootError("config reload failed: %v", err)
				continue
			}
			logging.Boot("config reloaded from %s", event.Name)
			if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.BootError("config watcher error: %v", err)
		}
	}
}
