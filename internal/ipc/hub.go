package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"drawhost/internal/window"
)

// ErrNoPeer is returned when a push targets a window with no connection.
var ErrNoPeer = errors.New("ipc: no peer for window")

// Hub tracks connected peers across transports.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]Peer)}
}

// Add registers p.
func (h *Hub) Add(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	h.mu.Unlock()
}

// Remove unregisters p.
func (h *Hub) Remove(p Peer) {
	h.mu.Lock()
	delete(h.peers, p.ID())
	h.mu.Unlock()
}

// Get returns the peer with id.
func (h *Hub) Get(id string) (Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

// ByWindow returns the peer serving windowID.
func (h *Hub) ByWindow(windowID string) (Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		if p.WindowID() == windowID {
			return p, true
		}
	}
	return nil, false
}

// Peers returns the connected peers ordered by id.
func (h *Hub) Peers() []Peer {
	h.mu.RLock()
	out := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of connected peers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast pushes ev to every peer and returns the first error.
func (h *Hub) Broadcast(ev Event) error {
	var first error
	for _, p := range h.Peers() {
		if err := p.Push(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PeerShell implements Shell by pushing shell events to peers. The shell
// process on the other side owns the real windows.
type PeerShell struct {
	hub    *Hub
	onExit func()
	logger *slog.Logger
}

// NewPeerShell creates a shell over hub. onExit runs after the exit event
// has been broadcast.
func NewPeerShell(hub *Hub, onExit func(), logger *slog.Logger) *PeerShell {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerShell{hub: hub, onExit: onExit, logger: logger.With("component", "shell")}
}

// NewWindow asks the shell serving from to open another window.
func (s *PeerShell) NewWindow(_ context.Context, from Peer) error {
	return from.Push(Event{Name: EventShell, Payload: ShellCommand{Command: string(SignalNewWindow)}})
}

// Command sends cmd to the peer of windowID.
func (s *PeerShell) Command(_ context.Context, windowID string, cmd ShellCommand) error {
	p, ok := s.hub.ByWindow(windowID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPeer, windowID)
	}
	return p.Push(Event{Name: EventShell, Payload: cmd})
}

// Exit tells every peer the host is quitting.
func (s *PeerShell) Exit(context.Context) error {
	err := s.hub.Broadcast(Event{Name: EventShell, Payload: ShellCommand{Command: string(ActionExit)}})
	if err != nil {
		s.logger.Debug("exit broadcast incomplete", "error", err)
	}
	if s.onExit != nil {
		go s.onExit()
	}
	return nil
}

// peerWindow is the registry's handle on a window living in a peer.
// Commands are forwarded as window events; state comes back through the
// windowState signal.
type peerWindow struct {
	peer Peer

	mu         sync.Mutex
	maximized  bool
	fullscreen bool
}

func newPeerWindow(p Peer, g window.Geometry) *peerWindow {
	return &peerWindow{peer: p, maximized: g.Maximized, fullscreen: g.Fullscreen}
}

func (w *peerWindow) send(method string) {
	w.peer.Push(Event{Name: EventWindow, Payload: ShellCommand{Command: method, Window: w.peer.WindowID()}})
}

func (w *peerWindow) setState(maximized, fullscreen bool) {
	w.mu.Lock()
	w.maximized, w.fullscreen = maximized, fullscreen
	w.mu.Unlock()
}

func (w *peerWindow) Minimize() { w.send(window.MethodMinimize) }

func (w *peerWindow) Maximize() {
	w.mu.Lock()
	w.maximized = true
	w.mu.Unlock()
	w.send(window.MethodMaximize)
}

func (w *peerWindow) Unmaximize() {
	w.mu.Lock()
	w.maximized = false
	w.mu.Unlock()
	w.send(window.MethodUnmaximize)
}

func (w *peerWindow) Close() { w.send(window.MethodClose) }

func (w *peerWindow) IsMaximized() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maximized
}

func (w *peerWindow) IsFullScreen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fullscreen
}

func (w *peerWindow) RemoveAllListeners() { w.send(window.MethodRemoveAllListeners) }
