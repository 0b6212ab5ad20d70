package infra

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/eliteGoblin/winmend/internal/domain"
)

// WatchStatus calls onChange with the current snapshot, then again every
// time the status file is replaced or removed, until ctx is done.
// The parent directory is watched since every publish is a rename.
func WatchStatus(ctx context.Context, store domain.StatusStore, onChange func(*domain.Snapshot)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create status watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(store.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch status directory: %w", err)
	}

	emit := func() {
		snap, _ := store.Read()
		onChange(snap)
	}
	emit()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				emit()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("status watcher failed: %w", err)
		}
	}
}
