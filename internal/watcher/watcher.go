// Package watcher delivers file-change notifications to UI surfaces that
// subscribed to a path. Each subscription is a stream of pushes, separate
// from request/response correlation.
package watcher

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"drawhost/internal/filestore"
)

// DefaultInterval is how long a path must be quiet before a change is
// delivered.
const DefaultInterval = 250 * time.Millisecond

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("watcher: closed")

// Change is one delivered notification. Curr is zero when the file was
// removed.
type Change struct {
	Path string         `json:"path" msgpack:"path"`
	Curr filestore.Stat `json:"curr" msgpack:"curr"`
	Prev filestore.Stat `json:"prev" msgpack:"prev"`
}

// Handler receives changes. It runs on the watcher's goroutine.
type Handler func(Change)

type subscription struct {
	id    string
	owner string
	path  string
	prev  filestore.Stat
	fn    Handler
}

// Watcher multiplexes subscriptions over one fsnotify watcher. Files are
// watched through their parent directory so replace-by-rename saves are
// seen.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	byPath map[string]map[string]*subscription
	dirs   map[string]int
	dirty  map[string]time.Time
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates and starts a watcher.
func New(interval time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		interval:  interval,
		logger:    logger.With("component", "watcher"),
		subs:      make(map[string]*subscription),
		byPath:    make(map[string]map[string]*subscription),
		dirs:      make(map[string]int),
		dirty:     make(map[string]time.Time),
		done:      make(chan struct{}),
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return w, nil
}

// Watch subscribes owner to changes of path and returns the subscription id.
func (w *Watcher) Watch(owner, path string, fn Handler) (string, error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	var prev filestore.Stat
	if st, err := filestore.StatFile(path); err == nil {
		prev = *st
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrClosed
	}

	if w.dirs[dir] == 0 {
		if err := w.fsWatcher.Add(dir); err != nil {
			return "", err
		}
	}
	w.dirs[dir]++

	sub := &subscription{id: uuid.NewString(), owner: owner, path: path, prev: prev, fn: fn}
	w.subs[sub.id] = sub
	if w.byPath[path] == nil {
		w.byPath[path] = make(map[string]*subscription)
	}
	w.byPath[path][sub.id] = sub
	return sub.id, nil
}

// Unwatch removes the subscriptions of owner on path and returns how many
// were removed.
func (w *Watcher) Unwatch(owner, path string) int {
	path = filepath.Clean(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, sub := range w.byPath[path] {
		if sub.owner == owner {
			w.removeLocked(id)
			n++
		}
	}
	return n
}

// Cancel removes one subscription by id.
func (w *Watcher) Cancel(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.subs[id]; !ok {
		return false
	}
	w.removeLocked(id)
	return true
}

// DropOwner removes every subscription of owner, e.g. when its connection
// goes away.
func (w *Watcher) DropOwner(owner string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for id, sub := range w.subs {
		if sub.owner == owner {
			w.removeLocked(id)
			n++
		}
	}
	return n
}

func (w *Watcher) removeLocked(id string) {
	sub := w.subs[id]
	delete(w.subs, id)
	if set := w.byPath[sub.path]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(w.byPath, sub.path)
			delete(w.dirty, sub.path)
		}
	}
	dir := filepath.Dir(sub.path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if !w.closed {
			w.fsWatcher.Remove(dir)
		}
	}
}

// Subscriptions returns the number of live subscriptions.
func (w *Watcher) Subscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Close stops the watcher and drops all subscriptions.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.subs = map[string]*subscription{}
	w.byPath = map[string]map[string]*subscription{}
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	return w.fsWatcher.Close()
}

// eventLoop marks watched paths dirty on fsnotify events.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			w.mu.Lock()
			if _, watched := w.byPath[name]; watched {
				w.dirty[name] = time.Now()
			}
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// debounceLoop delivers changes for paths that have been quiet for the
// interval.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

type delivery struct {
	fn     Handler
	change Change
}

func (w *Watcher) flush(now time.Time) {
	threshold := now.Add(-w.interval)

	w.mu.Lock()
	var ready []string
	for path, last := range w.dirty {
		if last.Before(threshold) {
			ready = append(ready, path)
			delete(w.dirty, path)
		}
	}
	w.mu.Unlock()

	if len(ready) == 0 {
		return
	}

	// Stat without holding the lock.
	current := make(map[string]filestore.Stat, len(ready))
	for _, path := range ready {
		var cur filestore.Stat
		if st, err := filestore.StatFile(path); err == nil {
			cur = *st
		}
		current[path] = cur
	}

	var out []delivery
	w.mu.Lock()
	for _, path := range ready {
		cur := current[path]
		for _, sub := range w.byPath[path] {
			if sub.prev == cur {
				continue
			}
			out = append(out, delivery{fn: sub.fn, change: Change{Path: path, Curr: cur, Prev: sub.prev}})
			sub.prev = cur
		}
	}
	w.mu.Unlock()

	for _, d := range out {
		d.fn(d.change)
	}
}
