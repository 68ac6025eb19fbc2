// Package window tracks the live top-level windows of the host and the
// geometry persisted between runs.
package window

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Window methods reachable through the window action.
const (
	MethodMinimize           = "minimize"
	MethodMaximize           = "maximize"
	MethodUnmaximize         = "unmaximize"
	MethodClose              = "close"
	MethodIsMaximized        = "isMaximized"
	MethodRemoveAllListeners = "removeAllListeners"
)

// Registry errors
var (
	ErrUnknownWindow = errors.New("window: unknown window")
	ErrUnknownMethod = errors.New("window: unknown method")
)

// Window is a live top-level window owned by the shell.
type Window interface {
	Minimize()
	Maximize()
	Unmaximize()
	Close()
	IsMaximized() bool
	IsFullScreen() bool
	RemoveAllListeners()
}

// Record is the registry's view of one window.
type Record struct {
	ID         string `json:"id" msgpack:"id"`
	Size       Size   `json:"size" msgpack:"size"`
	Position   Point  `json:"position" msgpack:"position"`
	Maximized  bool   `json:"maximized" msgpack:"maximized"`
	Fullscreen bool   `json:"fullscreen" msgpack:"fullscreen"`
}

// Geometry returns the persisted form of r.
func (r Record) Geometry() Geometry {
	return Geometry{Size: r.Size, Position: r.Position, Maximized: r.Maximized, Fullscreen: r.Fullscreen}
}

// StateSaver persists the last window state string.
type StateSaver interface {
	Set(key, value string) error
}

// StateKey is the settings key holding the last window geometry.
const StateKey = "lastWindowState"

type entry struct {
	rec Record
	win Window
}

// Registry holds the live windows.
type Registry struct {
	mu      sync.Mutex
	windows map[string]*entry
	saver   StateSaver
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. saver may be nil.
func NewRegistry(saver StateSaver, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		windows: make(map[string]*entry),
		saver:   saver,
		logger:  logger.With("component", "window"),
	}
}

// Register adds a window created with geometry g.
func (r *Registry) Register(id string, w Window, g Geometry) Record {
	rec := Record{ID: id, Size: g.Size, Position: g.Position, Maximized: g.Maximized, Fullscreen: g.Fullscreen}
	r.mu.Lock()
	r.windows[id] = &entry{rec: rec, win: w}
	r.mu.Unlock()
	return rec
}

// Update applies a move, resize or state change to the record of id.
func (r *Registry) Update(id string, fn func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.windows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWindow, id)
	}
	fn(&e.rec)
	e.rec.ID = id
	return nil
}

// Remove drops id, persisting its geometry first. It reports whether the
// window was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.windows[id]
	delete(r.windows, id)
	r.mu.Unlock()
	if ok {
		r.persist(e.rec)
	}
	return ok
}

// Get returns the record of id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.windows[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// List returns all records ordered by id.
func (r *Registry) List() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.windows))
	for _, e := range r.windows {
		out = append(out, e.rec)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live windows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// SaveState persists the geometry of id.
func (r *Registry) SaveState(id string) error {
	rec, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWindow, id)
	}
	return r.persist(rec)
}

func (r *Registry) persist(rec Record) error {
	if r.saver == nil {
		return nil
	}
	if err := r.saver.Set(StateKey, rec.Geometry().String()); err != nil {
		r.logger.Warn("could not save window state", "window", rec.ID, "error", err)
		return err
	}
	return nil
}

// Action runs a window method on id. Query methods return their answer.
func (r *Registry) Action(id, method string) (any, error) {
	r.mu.Lock()
	e, ok := r.windows[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWindow, id)
	}

	switch method {
	case MethodMinimize:
		e.win.Minimize()
	case MethodMaximize:
		e.win.Maximize()
		r.Update(id, func(rec *Record) { rec.Maximized = true })
	case MethodUnmaximize:
		e.win.Unmaximize()
		r.Update(id, func(rec *Record) { rec.Maximized = false })
	case MethodClose:
		e.win.Close()
		r.Remove(id)
	case MethodIsMaximized:
		return e.win.IsMaximized(), nil
	case MethodRemoveAllListeners:
		e.win.RemoveAllListeners()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return nil, nil
}

// IsFullScreen reports whether id is in fullscreen mode.
func (r *Registry) IsFullScreen(id string) (bool, error) {
	r.mu.Lock()
	e, ok := r.windows[id]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownWindow, id)
	}
	return e.win.IsFullScreen(), nil
}
