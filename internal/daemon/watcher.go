package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/fiskalni/fiskalni/internal/logging"
)

// FileWatcher emits a reason whenever a file is created, written or
// replaced. It watches the parent directory, so the file does not have to
// exist yet and atomic rename-into-place writes are seen.
type FileWatcher struct {
	Path   string
	Reason Reason
	Logger *slog.Logger
}

// NewFileWatcher watches path and emits reason on changes.
func NewFileWatcher(path string, reason Reason) *FileWatcher {
	return &FileWatcher{Path: path, Reason: reason}
}

func (fw *FileWatcher) Name() string { return "watch:" + filepath.Base(fw.Path) }

func (fw *FileWatcher) Run(ctx context.Context, emit func(Reason)) error {
	path, err := filepath.Abs(fw.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", fw.Path, err)
	}
	logger := logging.OrDefault(fw.Logger, "watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, path) {
				continue
			}
			logger.Debug("file changed", "path", event.Name, "op", event.Op.String())
			emit(fw.Reason)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}

// relevant reports whether event changed the content at path. Chmod and
// removals are ignored: a removed session has nothing new to sync.
func relevant(event fsnotify.Event, path string) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != path {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
}
