// Package upload implements the Write Watcher, Debouncer, and Uploader
// (spec.md §4.4): local filesystem changes under the watch directory are
// debounced per path and pushed to the coordinator, with restricted-file
// writes reverted rather than uploaded.
package upload

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fsnotify/fsnotify"

	"github.com/chouwzi/peerhost/internal/wire"
)

const debounceDelay = 500 * time.Millisecond

// Watcher observes WatchDir and feeds a debounced stream of changed
// relative paths to an Uploader.
type Watcher struct {
	WatchDir string
	Policy   wire.Policy

	fsw *fsnotify.Watcher
	log log.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	onReady func(relPath string)
}

func NewWatcher(watchDir string, policy wire.Policy, onReady func(relPath string), logger log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Root()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		WatchDir: watchDir,
		Policy:   policy,
		fsw:      fsw,
		log:      logger,
		timers:   make(map[string]*time.Timer),
		onReady:  onReady,
	}
	return w, nil
}

// AddRecursive registers every directory under WatchDir with the underlying
// inotify/kqueue watch, since fsnotify does not recurse on its own.
func (w *Watcher) AddRecursive() error {
	return filepath.Walk(w.WatchDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		return w.fsw.Add(p)
	})
}

// Run consumes filesystem events until stop is closed. Every write/create
// event for a path reschedules that path's debounce timer rather than
// firing immediately, per spec.md §4.4's "cancel-and-reschedule" rule: a
// burst of writes to the same file collapses to one upload.
func (w *Watcher) Run(stop <-chan struct{}) {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "err", err)
		case <-stop:
			w.fsw.Close()
			return
		}
	}
}

func (w *Watcher) schedule(absPath string) {
	rel, err := filepath.Rel(w.WatchDir, absPath)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if isIgnored(w.Policy, rel) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, rel)
		w.mu.Unlock()
		if w.onReady != nil {
			w.onReady(rel)
		}
	})
}

func (w *Watcher) AddDir(dir string) error {
	return w.fsw.Add(dir)
}
