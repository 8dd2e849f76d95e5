package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reports every checkpoint published under the store directory until
// ctx is done. fn receives the stream name and the decoded record, or the
// load error for a file that could not be read. Streams whose directory
// appears after Watch starts are picked up as they are created.
func (s *FileStore) Watch(ctx context.Context, fn func(stream string, rec Record, err error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(s.dir, e.Name())); err != nil {
				return fmt.Errorf("watch stream %s: %w", e.Name(), err)
			}
		}
	}

	report := func(stream string) {
		rec, err := s.Load(ctx, stream)
		fn(stream, rec, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			parent := filepath.Dir(event.Name)
			if parent == filepath.Clean(s.dir) {
				info, err := os.Stat(event.Name)
				if err != nil || !info.IsDir() {
					continue
				}
				if err := watcher.Add(event.Name); err != nil {
					return fmt.Errorf("watch stream %s: %w", filepath.Base(event.Name), err)
				}
				// The first commit may have landed before the directory was watched.
				if _, err := os.Stat(filepath.Join(event.Name, fileName)); err == nil {
					report(filepath.Base(event.Name))
				}
				continue
			}
			if filepath.Base(event.Name) == fileName {
				report(filepath.Base(parent))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch checkpoints: %w", err)
		}
	}
}
