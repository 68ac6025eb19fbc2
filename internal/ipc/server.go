package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"drawhost/internal/hosterr"
)

// HandshakeTimeout bounds the wait for the first message of a connection.
const HandshakeTimeout = 10 * time.Second

// ServerConfig configures the socket server
type ServerConfig struct {
	SocketPath     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int

	// RequireSameUser rejects peers whose credentials name another user.
	RequireSameUser bool
}

// DefaultServerConfig returns the defaults for a socket under dir.
func DefaultServerConfig(dir string) ServerConfig {
	return ServerConfig{
		SocketPath:      filepath.Join(dir, "drawhost.sock"),
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxConnections:  64,
		RequireSameUser: true,
	}
}

// Server accepts bridge connections on a unix socket.
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	cfg        ServerConfig
	dispatcher *Dispatcher
	hub        *Hub
	conns      map[string]*socketPeer
	logger     *slog.Logger
	startedAt  time.Time

	// Shutdown coordination
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextEventID atomic.Uint32
}

// NewServer creates a socket server feeding d.
func NewServer(cfg ServerConfig, d *Dispatcher, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		hub:        hub,
		conns:      make(map[string]*socketPeer),
		logger:     logger.With("component", "ipc-server"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket already in use: %s", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Owner only
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("shutdown timed out with connections still open")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// ConnCount returns the number of connected peers.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.ConnCount() >= s.cfg.MaxConnections {
			s.logger.Warn("connection limit reached")
			conn.Close()
			continue
		}

		if s.cfg.RequireSameUser {
			ok, err := VerifyPeerIsCurrentUser(conn)
			if err != nil || !ok {
				s.logger.Warn("peer rejected: credentials do not match", "error", err)
				conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs the protocol on an accepted connection until it closes.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()

	peer, err := s.handshake(conn)
	if err != nil {
		s.logger.Warn("handshake failed", "error", err)
		return
	}

	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		s.unregister(peer)
		s.logger.Debug("peer disconnected", "peer", peer.id)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Keep the link alive
				if peer.send(NewMessage(MsgPing, s.nextEventID.Add(1), peer.codec.Flags(), nil)) != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read failed", "peer", peer.id, "error", err)
			}
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			peer.send(NewMessage(MsgPong, msg.Header.RequestID, msg.Header.Flags, nil))
		case MsgPong:
		case MsgRequest, MsgSignal:
			inflight.Add(1)
			go func(m *Message) {
				defer inflight.Done()
				s.dispatch(peer, m)
			}(msg)
		default:
			peer.sendError(msg.Header.RequestID, fmt.Sprintf("unexpected message type %#x", uint16(msg.Header.Type)))
		}
	}
}

func (s *Server) handshake(conn net.Conn) (*socketPeer, error) {
	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	msg, err := ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	codec := codecFor(msg.Header.Flags)
	peer := &socketPeer{
		id:      uuid.NewString(),
		conn:    conn,
		codec:   codec,
		timeout: s.cfg.WriteTimeout,
		nextID:  &s.nextEventID,
	}

	if msg.Header.Type != MsgHandshake {
		peer.sendError(msg.Header.RequestID, "handshake required")
		return nil, fmt.Errorf("first message was %#x", uint16(msg.Header.Type))
	}
	var hs Handshake
	if err := codec.Unmarshal(msg.Payload, &hs); err != nil {
		peer.sendError(msg.Header.RequestID, "invalid handshake")
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if hs.FrameURL == "" || hs.WindowID == "" {
		peer.sendError(msg.Header.RequestID, "invalid handshake")
		return nil, errors.New("handshake without frame url or window id")
	}
	peer.frameURL = hs.FrameURL
	peer.windowID = hs.WindowID

	geometry := s.dispatcher.Attach(peer, hs.Displays)
	ack, err := codec.Marshal(HandshakeAck{
		PeerID:          peer.id,
		ProtocolVersion: ProtocolVersion,
		Geometry:        geometry,
	})
	if err != nil {
		s.dispatcher.Detach(peer)
		return nil, err
	}

	// The peer must be reachable by broadcasts once it sees the ack.
	s.mu.Lock()
	s.conns[peer.id] = peer
	s.mu.Unlock()
	s.hub.Add(peer)

	if err := peer.send(NewMessage(MsgHandshakeAck, msg.Header.RequestID, codec.Flags(), ack)); err != nil {
		s.unregister(peer)
		return nil, err
	}
	s.logger.Debug("peer connected", "peer", peer.id, "client", hs.ClientName, "window", hs.WindowID)
	return peer, nil
}

func (s *Server) unregister(peer *socketPeer) {
	s.hub.Remove(peer)
	s.dispatcher.Detach(peer)
	s.mu.Lock()
	delete(s.conns, peer.id)
	s.mu.Unlock()
}

func (s *Server) dispatch(peer *socketPeer, msg *Message) {
	codec := codecFor(msg.Header.Flags)

	var resp *Response
	payload, err := canonicalJSON(codec, msg.Payload)
	if err != nil {
		resp = failure(0, hosterr.InvalidRequest)
	} else {
		resp = s.dispatcher.Handle(s.ctx, peer, payload)
	}
	if resp == nil {
		return
	}

	out, err := codec.Marshal(resp.Wire())
	if err != nil {
		s.logger.Error("encode response", "error", err)
		return
	}
	if err := peer.send(NewMessage(MsgResponse, msg.Header.RequestID, codec.Flags(), out)); err != nil {
		s.logger.Debug("send response", "peer", peer.id, "error", err)
	}
}

// socketPeer is one socket connection after a successful handshake.
type socketPeer struct {
	id       string
	frameURL string
	windowID string
	conn     net.Conn
	codec    Codec
	timeout  time.Duration
	nextID   *atomic.Uint32

	writeMu sync.Mutex
}

func (p *socketPeer) ID() string       { return p.id }
func (p *socketPeer) FrameURL() string { return p.frameURL }
func (p *socketPeer) WindowID() string { return p.windowID }

// Push sends an event using the codec chosen at handshake.
func (p *socketPeer) Push(ev Event) error {
	payload, err := p.codec.Marshal(ev)
	if err != nil {
		return err
	}
	return p.send(NewMessage(MsgEvent, p.nextID.Add(1), p.codec.Flags(), payload))
}

func (p *socketPeer) send(msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	return msg.Write(p.conn)
}

func (p *socketPeer) sendError(reqID uint32, message string) {
	payload, err := p.codec.Marshal(ErrorPayload{Message: message})
	if err != nil {
		return
	}
	p.send(NewMessage(MsgError, reqID, p.codec.Flags(), payload))
}
