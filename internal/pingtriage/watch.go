package pingtriage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchStateFile reloads store whenever another process rewrites path. The
// directory is watched rather than the file because atomic saves replace the
// inode. It blocks until ctx is done.
func WatchStateFile(ctx context.Context, store *Store, path string, logger Logger) error {
	path = strings.TrimSpace(path)
	if store == nil || path == "" {
		return ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create state watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(path)
	logf := func(format string, args ...any) {
		if logger != nil {
			logger.Printf(format, args...)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := store.Reload(); err != nil {
				logf("pingtriage: reload %s failed, keeping current state: %v", path, err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf("pingtriage: state watcher error: %v", err)
		}
	}
}
