package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle lets an editor finish writing before the file is re-read.
const reloadSettle = 50 * time.Millisecond

// Watch reloads the config whenever the file at path changes and passes the
// result to fn: the new config, or the error that made it unusable. It blocks
// until ctx is cancelled.
//
// The parent directory is watched rather than the file so that editors which
// save by renaming a temporary file are still seen.
func Watch(ctx context.Context, path string, fn func(*TetherConfig, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var settle *time.Timer
	var fire <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if settle == nil {
				settle = time.NewTimer(reloadSettle)
			} else {
				settle.Reset(reloadSettle)
			}
			fire = settle.C

		case <-fire:
			fire = nil
			fn(Load(abs))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fn(nil, fmt.Errorf("config watcher: %w", err))
		}
	}
}
