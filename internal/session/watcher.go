// watcher.go feeds workspace file modifications into the session's activity
// signal, so an agent that is writing files but printing nothing is not
// mistaken for idle.
package session

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ignoredDirs are never watched.
var ignoredDirs = []string{".git", ".farmhand", "node_modules"}

// activityWatcher watches a workspace directory tree and invokes a callback
// on every write or create event.
type activityWatcher struct {
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// newActivityWatcher starts watching dir recursively. onActivity is called
// from the watcher goroutine for every relevant event.
func newActivityWatcher(dir string, onActivity func()) (*activityWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	aw := &activityWatcher{
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	if err := aw.addRecursive(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	go aw.loop(onActivity)
	return aw, nil
}

func (aw *activityWatcher) loop(onActivity func()) {
	for {
		select {
		case <-aw.stopCh:
			return
		case event, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			if ignored(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				onActivity()
				// Newly created directories need to be watched too.
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = aw.addRecursive(event.Name)
					}
				}
			}
		case _, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (aw *activityWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			return nil
		}
		if ignored(path) {
			return filepath.SkipDir
		}
		return aw.watcher.Add(path)
	})
}

// Close stops the watcher goroutine and releases the inotify handles.
func (aw *activityWatcher) Close() error {
	close(aw.stopCh)
	return aw.watcher.Close()
}

func ignored(path string) bool {
	for _, dir := range ignoredDirs {
		if strings.Contains(path, string(filepath.Separator)+dir) {
			return true
		}
	}
	return false
}
