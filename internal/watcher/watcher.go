// Package watcher streams debounced filesystem change events for memory
// files under the memory root.
package watcher

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeType classifies a filesystem change.
type ChangeType string

const (
	Created  ChangeType = "created"
	Modified ChangeType = "modified"
	Deleted  ChangeType = "deleted"
)

// Event is a normalized, debounced filesystem change.
type Event struct {
	Type      ChangeType
	Path      string
	Timestamp time.Time
}

// Watcher watches the memory root recursively and delivers debounced
// events on its channel. Only .md files outside deprecated/ emit events;
// rapid repeats on one path coalesce to the most recent event type.
type Watcher struct {
	root     string
	debounce time.Duration

	fs     *fsnotify.Watcher
	events chan Event
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*pendingEvent
	running bool
}

type pendingEvent struct {
	event Event
	timer *time.Timer
}

// New creates a watcher over the memory root with the given debounce window.
func New(root string, debounce time.Duration) *Watcher {
	return &Watcher{
		root:     root,
		debounce: debounce,
		events:   make(chan Event, 256),
		pending:  make(map[string]*pendingEvent),
		done:     make(chan struct{}),
	}
}

// Events returns the channel debounced events are delivered on.
func (w *Watcher) Events() <-chan Event { return w.events }

// Running reports whether the watcher dispatch loop is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start begins watching. The memory root must exist.
func (w *Watcher) Start() error {
	if _, err := os.Stat(w.root); err != nil {
		return errors.New("memory root does not exist: " + w.root)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fs = fs

	// fsnotify is non-recursive; register every subdirectory up front and
	// pick up new ones from create events.
	if err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && !hasDeprecatedSegment(w.relPath(path)) {
			return fs.Add(path)
		}
		return nil
	}); err != nil {
		fs.Close()
		return err
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	go w.dispatch()
	return nil
}

// Stop ends the dispatch loop and cancels all pending debounce timers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = make(map[string]*pendingEvent)
	w.mu.Unlock()

	close(w.done)
	w.fs.Close()
}

func (w *Watcher) dispatch() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !hasDeprecatedSegment(w.relPath(ev.Name)) {
				if err := w.fs.Add(ev.Name); err != nil {
					log.Printf("watcher: adding %s: %v", ev.Name, err)
				}
			}
			return
		}
	}

	rel := w.relPath(ev.Name)
	if !strings.HasSuffix(rel, ".md") || hasDeprecatedSegment(rel) {
		return
	}

	var ct ChangeType
	switch {
	case ev.Op.Has(fsnotify.Create):
		ct = Created
	case ev.Op.Has(fsnotify.Write):
		ct = Modified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		ct = Deleted
	default:
		return
	}

	w.enqueue(Event{Type: ct, Path: ev.Name, Timestamp: time.Now()})
}

// enqueue coalesces repeat events on one path: the most recent event type
// wins and is delivered once the debounce window elapses.
func (w *Watcher) enqueue(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	if p, ok := w.pending[ev.Path]; ok {
		p.timer.Stop()
	}

	p := &pendingEvent{event: ev}
	p.timer = time.AfterFunc(w.debounce, func() { w.fire(ev.Path) })
	w.pending[ev.Path] = p
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	running := w.running
	w.mu.Unlock()

	if !ok || !running {
		return
	}
	select {
	case w.events <- p.event:
	case <-w.done:
	}
}

func (w *Watcher) relPath(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func hasDeprecatedSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg == "deprecated" {
			return true
		}
	}
	return false
}
