package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a policy file into a Store whenever it changes on disk.
// Each successful reload publishes a new catalog version; a document that
// fails to parse or validate is logged and the previous version stays live.
type Watcher struct {
	path    string
	store   *Store
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// NewWatcher creates a watcher for path. The parent directory is watched so
// that editors which replace the file via rename are followed.
func NewWatcher(path string, store *Store, logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("NewWatcher: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("NewWatcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("NewWatcher: %w", err)
	}

	return &Watcher{
		path:    abs,
		store:   store,
		watcher: fw,
		logger:  logger,
	}, nil
}

// Reload reads the file and publishes it as the new catalog.
func (w *Watcher) Reload() (*Catalog, error) {
	entries, err := LoadFile(w.path)
	if err != nil {
		return nil, err
	}
	return w.store.Replace(entries, "file:"+w.path)
}

// Start processes file events until ctx is cancelled or the watcher is
// closed. Run it in its own goroutine.
func (w *Watcher) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cat, err := w.Reload()
			if err != nil {
				w.logger.Warn("policy reload rejected, keeping previous version",
					zap.String("path", w.path),
					zap.Uint64("live_version", w.store.Current().Version()),
					zap.Error(err),
				)
				continue
			}
			w.logger.Info("policy reloaded",
				zap.String("path", w.path),
				zap.Uint64("version", cat.Version()),
				zap.Int("entries", cat.Len()),
			)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
