package authz

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// MatrixWatcher hot-reloads the permission matrix when its config file
// changes on disk, so policy edits do not require a deploy. A reload that
// fails to parse keeps the previous table in place.
type MatrixWatcher struct {
	matrix  *Matrix
	path    string
	watcher *fsnotify.Watcher
	onError func(error)
}

// NewMatrixWatcher performs an initial load of path into matrix and begins
// watching the containing directory (editors typically replace the file
// rather than write it in place, so watching the file alone misses renames).
func NewMatrixWatcher(matrix *Matrix, path string, onError func(error)) (*MatrixWatcher, error) {
	if err := matrix.LoadFromFile(path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch matrix config dir: %w", err)
	}

	if onError == nil {
		onError = func(error) {}
	}

	return &MatrixWatcher{
		matrix:  matrix,
		path:    path,
		watcher: watcher,
		onError: onError,
	}, nil
}

// Run processes file events until the context is cancelled
func (w *MatrixWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := w.matrix.LoadFromFile(w.path); err != nil {
				w.onError(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(err)
		}
	}
}
