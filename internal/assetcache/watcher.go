package assetcache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchManifest reloads the manifest at path whenever it changes and
// registers its version when that differs from the registered one. It
// blocks until ctx is cancelled.
func (w *Worker) WatchManifest(ctx context.Context, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving manifest path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching manifest directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.reloadManifest(ctx, path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("manifest watcher error", slog.String("error", err.Error()))
		}
	}
}

// reloadManifest applies the manifest at path. Invalid manifests are logged
// and ignored so the current version keeps being served.
func (w *Worker) reloadManifest(ctx context.Context, path string) {
	m, err := LoadManifest(path)
	if err != nil {
		w.logger.Warn("ignoring manifest change", slog.String("error", err.Error()))
		return
	}

	w.SetManifest(m)

	if m.Version == "" || m.Version == w.Version() {
		return
	}

	if err := w.Register(ctx, w.activation(m.Version)); err != nil {
		w.logger.Error("registering new asset version",
			slog.String("version", m.Version),
			slog.String("error", err.Error()),
		)
	}
}
