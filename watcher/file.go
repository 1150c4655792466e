package watcher

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// File is a file watcher that notifies when a file has been changed.
//
// The parent directory of each target is watched rather than the file itself,
// so writers that replace the file atomically via temp-then-rename (as the
// config store does) keep producing events for the same path.
type File struct {
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	targets  map[string]struct{}
	shutdown chan struct{}
}

var _ Notifier = (*File)(nil)

// NewFile is a standard constructor
func NewFile() (*File, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	f := &File{
		watcher:  watcher,
		targets:  make(map[string]struct{}),
		shutdown: make(chan struct{}),
	}
	return f, nil
}

// Add adds a file to start watching
func (f *File) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.targets[abs] = struct{}{}
	f.mu.Unlock()
	return f.watcher.Add(filepath.Dir(abs))
}

func (f *File) isTarget(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.targets[abs]
	return ok
}

// Shutdown stop the file watching run loop
func (f *File) Shutdown() {
	// don't block if Start quit early
	select {
	case f.shutdown <- struct{}{}:
	default:
	}
}

// Start is a runloop to watch for files changes from the file paths added from Add()
func (f *File) Start(notifier Notification) {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if !f.isTarget(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				notifier.WatcherItemDidChange(event.Name)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			notifier.WatcherDidError(err)

		case <-f.shutdown:
			f.watcher.Close()
			return
		}
	}
}
