// Package watcher observes the configuration directory and publishes reloads.
// Editors produce several filesystem events per save, so changes debounce
// over a short window; deletion followed by recreation re-attaches the watch.
package watcher

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const debounceWindow = 100 * time.Millisecond

// Handler is called with the changed file's path after the debounce window.
type Handler func(path string)

// Watcher debounces filesystem events for a fixed set of files in one
// directory.
type Watcher struct {
	dir      string
	files    map[string]Handler
	mu       sync.Mutex
	hashes   map[string][32]byte
	timers   map[string]*time.Timer
	debounce time.Duration
}

// New builds a watcher for dir. Call Watch to register files before Run.
func New(dir string) *Watcher {
	return &Watcher{
		dir:      dir,
		files:    make(map[string]Handler),
		hashes:   make(map[string][32]byte),
		timers:   make(map[string]*time.Timer),
		debounce: debounceWindow,
	}
}

// Watch registers a handler for a file name inside the watched directory.
// The current content hash seeds the change detector so startup does not
// fire spurious reloads.
func (w *Watcher) Watch(name string, handler Handler) {
	path := filepath.Join(w.dir, name)
	w.files[name] = handler
	if data, err := os.ReadFile(path); err == nil {
		w.hashes[name] = sha256.Sum256(data)
	}
}

// Run blocks until the context is cancelled. Watching the directory rather
// than the files themselves survives the delete-and-rename dance editors and
// atomic writers do.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if errClose := fsWatcher.Close(); errClose != nil {
			log.Errorf("failed to close filesystem watcher: %v", errClose)
		}
	}()

	if err = fsWatcher.Add(w.dir); err != nil {
		return err
	}
	log.Debugf("watching %s", w.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if _, watched := w.files[name]; !watched {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule(name)
		case errWatch, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("filesystem watcher error: %v", errWatch)
		}
	}
}

// schedule arms (or re-arms) the debounce timer for one file.
func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[name]; ok {
		timer.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.fire(name)
	})
}

// fire re-reads the file, suppresses no-op events by hash, and invokes the
// handler.
func (w *Watcher) fire(name string) {
	path := filepath.Join(w.dir, name)

	data, err := os.ReadFile(path)
	w.mu.Lock()
	prev, hadPrev := w.hashes[name]
	if err != nil {
		// Deleted; clear the hash so recreation always fires.
		delete(w.hashes, name)
		w.mu.Unlock()
		if hadPrev {
			w.files[name](path)
		}
		return
	}
	sum := sha256.Sum256(data)
	if hadPrev && sum == prev {
		w.mu.Unlock()
		return
	}
	w.hashes[name] = sum
	w.mu.Unlock()

	log.Debugf("%s changed, reloading", name)
	w.files[name](path)
}
