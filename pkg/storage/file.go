package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/goliatone/go-persisted"
)

const tempPrefix = ".tmp-"

// File stores entries as files in a directory, one file per key, and uses a
// filesystem watcher to surface changes made by other processes sharing the
// directory. Writes are temp-file-plus-rename so watchers never observe a
// partially written entry.
//
// Unlike Memory, the filesystem cannot attribute a change to its writer, so
// watchers also receive echoes of this process's own writes. Cells drop
// those by comparing payload bytes.
type File struct {
	dir string

	mu       sync.Mutex
	watchers []*fileWatcher
	nextID   int
	fsw      *fsnotify.Watcher
	closed   bool
}

type fileWatcher struct {
	id  int
	key string
	fn  func(persisted.ChangeEvent)
}

// NewFile creates the directory if needed and returns a store over it.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

// Dir returns the backing directory.
func (f *File) Dir() string {
	return f.dir
}

// Get reads the entry at key, reporting ok=false when no file exists.
func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: read %q: %w", key, err)
	}
	return raw, true, nil
}

// Set atomically replaces the entry at key.
func (f *File) Set(_ context.Context, key string, raw []byte) error {
	tmp, err := os.CreateTemp(f.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: write %q: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: write %q: %w", key, err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: write %q: %w", key, err)
	}
	return nil
}

// Remove deletes the entry at key. Removing a missing key is a no-op.
func (f *File) Remove(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: remove %q: %w", key, err)
	}
	return nil
}

// Watch registers fn for changes to key. The directory watcher starts lazily
// on the first registration.
func (f *File) Watch(key string, fn func(persisted.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("storage: store is closed")
	}
	if f.fsw == nil {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("storage: watch %s: %w", f.dir, err)
		}
		if err := fsw.Add(f.dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("storage: watch %s: %w", f.dir, err)
		}
		f.fsw = fsw
		go f.run(fsw)
	}

	id := f.nextID
	f.nextID++
	f.watchers = append(f.watchers, &fileWatcher{id: id, key: key, fn: fn})

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, w := range f.watchers {
			if w.id == id {
				f.watchers = append(f.watchers[:i], f.watchers[i+1:]...)
				return
			}
		}
	}, nil
}

// Close stops the directory watcher. The store remains usable for Get, Set
// and Remove.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.watchers = nil
	if f.fsw != nil {
		err := f.fsw.Close()
		f.fsw = nil
		return err
	}
	return nil
}

func (f *File) run(fsw *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			f.handle(event)
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (f *File) handle(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, tempPrefix) {
		return
	}
	key, err := url.PathUnescape(base)
	if err != nil {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		f.dispatch(key, persisted.NewChangeEvent(key, nil, true))
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		// Read the file at event time so delivery always carries the
		// current content even when events coalesce.
		raw, err := os.ReadFile(event.Name)
		if err != nil {
			return
		}
		f.dispatch(key, persisted.NewChangeEvent(key, raw, false))
	}
}

func (f *File) dispatch(key string, change persisted.ChangeEvent) {
	f.mu.Lock()
	var targets []func(persisted.ChangeEvent)
	for _, w := range f.watchers {
		if w.key == key {
			targets = append(targets, w.fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range targets {
		fn(change)
	}
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key))
}
