package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Websocket message types. Websocket frames carry JSON only.
const (
	wsHandshake    = "handshake"
	wsHandshakeAck = "handshakeAck"
	wsRequest      = "request"
	wsSignal       = "signal"
	wsResponse     = "response"
	wsEvent        = "event"
	wsPing         = "ping"
	wsPong         = "pong"
	wsError        = "error"
)

// wsMessage is the websocket framing of bridge traffic.
type wsMessage struct {
	Type string          `json:"type"`
	ID   uint32          `json:"id,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// ErrNotLoopback is returned when the websocket address is not local.
var ErrNotLoopback = errors.New("ipc: websocket address must be loopback")

// WSServer serves the bridge over a loopback websocket.
type WSServer struct {
	addr       string
	dispatcher *Dispatcher
	hub        *Hub
	logger     *slog.Logger

	srv *http.Server
	ln  net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWSServer creates a websocket server listening on addr.
func NewWSServer(addr string, d *Dispatcher, hub *Hub, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSServer{
		addr:       addr,
		dispatcher: d,
		hub:        hub,
		logger:     logger.With("component", "ws-server"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Router returns the HTTP routes of the bridge.
func (s *WSServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "peers": s.hub.Len()})
	})
	r.Get("/bridge", s.handleBridge)
	return r
}

// Start listens on the configured loopback address.
func (s *WSServer) Start() error {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return fmt.Errorf("websocket address: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("%w: %s", ErrNotLoopback, s.addr)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", "error", err)
		}
	}()
	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *WSServer) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down.
func (s *WSServer) Stop(ctx context.Context) error {
	s.cancel()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *WSServer) handleBridge(w http.ResponseWriter, r *http.Request) {
	// Origin is checked by the dispatcher against the trusted URL.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(MaxPayloadSize)

	frameURL := r.Header.Get("Referer")
	if frameURL == "" {
		frameURL = r.Header.Get("Origin")
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	peer, err := s.handshake(ctx, conn, frameURL)
	if err != nil {
		s.logger.Warn("handshake failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	s.hub.Add(peer)

	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.hub.Remove(peer)
		s.dispatcher.Detach(peer)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("websocket read failed", "peer", peer.id, "error", err)
			}
			return
		}
		switch msg.Type {
		case wsPing:
			peer.write(wsMessage{Type: wsPong, ID: msg.ID})
		case wsPong:
		case wsRequest, wsSignal:
			inflight.Add(1)
			go func(m wsMessage) {
				defer inflight.Done()
				resp := s.dispatcher.Handle(ctx, peer, m.Body)
				if resp == nil {
					return
				}
				body, err := json.Marshal(resp.Wire())
				if err != nil {
					return
				}
				peer.write(wsMessage{Type: wsResponse, ID: m.ID, Body: body})
			}(msg)
		default:
			body, _ := json.Marshal(ErrorPayload{Message: "unexpected message type"})
			peer.write(wsMessage{Type: wsError, ID: msg.ID, Body: body})
		}
	}
}

func (s *WSServer) handshake(ctx context.Context, conn *websocket.Conn, frameURL string) (*wsPeer, error) {
	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	var msg wsMessage
	if err := wsjson.Read(hctx, conn, &msg); err != nil {
		return nil, err
	}
	if msg.Type != wsHandshake {
		return nil, fmt.Errorf("first message was %q", msg.Type)
	}
	var hs Handshake
	if err := json.Unmarshal(msg.Body, &hs); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if frameURL == "" {
		frameURL = hs.FrameURL
	}
	if frameURL == "" || hs.WindowID == "" {
		return nil, errors.New("handshake without frame url or window id")
	}

	peer := &wsPeer{
		id:       uuid.NewString(),
		frameURL: frameURL,
		windowID: hs.WindowID,
		conn:     conn,
		ctx:      ctx,
	}
	geometry := s.dispatcher.Attach(peer, hs.Displays)
	body, err := json.Marshal(HandshakeAck{PeerID: peer.id, ProtocolVersion: ProtocolVersion, Geometry: geometry})
	if err == nil {
		err = peer.write(wsMessage{Type: wsHandshakeAck, ID: msg.ID, Body: body})
	}
	if err != nil {
		s.dispatcher.Detach(peer)
		return nil, err
	}
	return peer, nil
}

// wsPeer is one websocket connection.
type wsPeer struct {
	id       string
	frameURL string
	windowID string
	conn     *websocket.Conn
	ctx      context.Context

	writeMu sync.Mutex
}

func (p *wsPeer) ID() string       { return p.id }
func (p *wsPeer) FrameURL() string { return p.frameURL }
func (p *wsPeer) WindowID() string { return p.windowID }

func (p *wsPeer) Push(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.write(wsMessage{Type: wsEvent, Body: body})
}

func (p *wsPeer) write(m wsMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, p.conn, m)
}
