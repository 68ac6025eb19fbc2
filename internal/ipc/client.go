package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"drawhost/internal/window"
)

// Common errors
var (
	ErrNotConnected   = errors.New("ipc: not connected to host")
	ErrConnectionLost = errors.New("ipc: connection to host lost")
	ErrTimeout        = errors.New("ipc: request timeout")
	ErrHostNotRunning = errors.New("ipc: host is not running")
)

// ClientConfig configures a bridge client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	FrameURL       string
	WindowID       string
	Displays       []window.Rect
	Codec          Codec
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns defaults for a socket under dir.
func DefaultClientConfig(dir string) ClientConfig {
	return ClientConfig{
		SocketPath:     filepath.Join(dir, "drawhost.sock"),
		ClientName:     "drawhost-bridge",
		Codec:          Msgpack,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client is the UI side of the bridge. Calls resolve one future per
// request id; file watches are delivered on their own channels.
type Client struct {
	conn    net.Conn
	codec   Codec
	cfg     ClientConfig
	writeMu sync.Mutex

	peerID   string
	geometry window.Geometry

	pendingMu sync.Mutex
	pending   map[uint32]chan *Response
	nextReqID atomic.Uint32

	watchMu sync.Mutex
	watches map[string]chan FileChanged

	events chan Event
	closed atomic.Bool
	done   chan struct{}
}

// Dial connects to the host socket and performs the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrHostNotRunning
		}
		return nil, fmt.Errorf("connect: %w", err)
	}
	c, err := NewClient(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient runs the handshake over an established connection.
func NewClient(conn net.Conn, cfg ClientConfig) (*Client, error) {
	if cfg.Codec == nil {
		cfg.Codec = Msgpack
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	c := &Client{
		conn:    conn,
		codec:   cfg.Codec,
		cfg:     cfg,
		pending: make(map[uint32]chan *Response),
		watches: make(map[string]chan FileChanged),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake() error {
	payload, err := c.codec.Marshal(Handshake{
		ClientName: c.cfg.ClientName,
		FrameURL:   c.cfg.FrameURL,
		WindowID:   c.cfg.WindowID,
		Displays:   c.cfg.Displays,
	})
	if err != nil {
		return err
	}
	if err := c.write(NewMessage(MsgHandshake, 0, c.codec.Flags(), payload)); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	msg, err := ReadMessage(c.conn)
	if err != nil {
		return err
	}
	switch msg.Header.Type {
	case MsgHandshakeAck:
	case MsgError:
		var e ErrorPayload
		codecFor(msg.Header.Flags).Unmarshal(msg.Payload, &e)
		return fmt.Errorf("rejected: %s", e.Message)
	default:
		return fmt.Errorf("unexpected response type: %#x", uint16(msg.Header.Type))
	}

	var ack HandshakeAck
	if err := codecFor(msg.Header.Flags).Unmarshal(msg.Payload, &ack); err != nil {
		return err
	}
	c.peerID = ack.PeerID
	c.geometry = ack.Geometry
	return nil
}

// PeerID returns the id the host assigned to this connection.
func (c *Client) PeerID() string { return c.peerID }

// Geometry returns the window geometry the host restored.
func (c *Client) Geometry() window.Geometry { return c.geometry }

// Events returns pushes other than file changes.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(c.conn)
}

// envelope builds the request body for action from params.
func envelope(action Action, reqID uint32, params any) (map[string]any, error) {
	body := make(map[string]any)
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("params must encode as an object: %w", err)
		}
	}
	body["action"] = string(action)
	body["requestId"] = reqID
	return body, nil
}

// Call sends a request and waits for its response. The error reports
// transport failures only; use Response.Err for the outcome.
func (c *Client) Call(ctx context.Context, action Action, params any) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrNotConnected
	}
	reqID := c.nextReqID.Add(1)
	body, err := envelope(action, reqID, params)
	if err != nil {
		return nil, err
	}
	payload, err := c.codec.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()
	if c.closed.Load() {
		return nil, ErrConnectionLost
	}
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(NewMessage(MsgRequest, reqID, c.codec.Flags(), payload)); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Signal sends a fire-and-forget signal.
func (c *Client) Signal(action Action, params any) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	body, err := envelope(action, 0, params)
	if err != nil {
		return err
	}
	payload, err := c.codec.Marshal(body)
	if err != nil {
		return err
	}
	return c.write(NewMessage(MsgSignal, 0, c.codec.Flags(), payload))
}

// Watch subscribes to changes of path. The channel is closed by Unwatch
// or when the connection ends.
func (c *Client) Watch(ctx context.Context, path string) (<-chan FileChanged, error) {
	ch := make(chan FileChanged, 16)
	c.watchMu.Lock()
	if _, ok := c.watches[path]; ok {
		c.watchMu.Unlock()
		return nil, fmt.Errorf("ipc: already watching %s", path)
	}
	c.watches[path] = ch
	c.watchMu.Unlock()

	resp, err := c.Call(ctx, ActionWatchFile, pathParams{Path: path})
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		c.dropWatch(path)
		return nil, err
	}
	return ch, nil
}

// Unwatch cancels the subscription on path.
func (c *Client) Unwatch(ctx context.Context, path string) error {
	c.dropWatch(path)
	resp, err := c.Call(ctx, ActionUnwatchFile, pathParams{Path: path})
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) dropWatch(path string) {
	c.watchMu.Lock()
	if ch, ok := c.watches[path]; ok {
		delete(c.watches, path)
		close(ch)
	}
	c.watchMu.Unlock()
}

// Close closes the connection
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return
		}
		codec := codecFor(msg.Header.Flags)

		switch msg.Header.Type {
		case MsgPing:
			c.write(NewMessage(MsgPong, msg.Header.RequestID, msg.Header.Flags, nil))
		case MsgResponse:
			c.resolve(msg.Header.RequestID, codec, msg.Payload)
		case MsgEvent:
			c.deliver(codec, msg.Payload)
		case MsgError:
			var e ErrorPayload
			if codec.Unmarshal(msg.Payload, &e) == nil {
				c.resolveResponse(msg.Header.RequestID, &Response{RequestID: int64(msg.Header.RequestID), Message: e.Message})
			}
		}
	}
}

func (c *Client) resolve(reqID uint32, codec Codec, payload []byte) {
	raw, err := canonicalJSON(codec, payload)
	if err != nil {
		return
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	c.resolveResponse(reqID, &resp)
}

func (c *Client) resolveResponse(reqID uint32, resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[reqID]
	delete(c.pending, reqID)
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) deliver(codec Codec, payload []byte) {
	raw, err := canonicalJSON(codec, payload)
	if err != nil {
		return
	}
	var ev struct {
		Name    string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	if ev.Name == EventFileChanged {
		var fc FileChanged
		if json.Unmarshal(ev.Payload, &fc) != nil {
			return
		}
		c.watchMu.Lock()
		ch, ok := c.watches[fc.Path]
		if ok {
			select {
			case ch <- fc:
			default:
			}
		}
		c.watchMu.Unlock()
		return
	}

	select {
	case c.events <- Event{Name: ev.Name, Payload: ev.Payload}:
	default:
	}
}

func (c *Client) shutdown() {
	c.closed.Store(true)
	c.conn.Close()

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.watchMu.Lock()
	for path, ch := range c.watches {
		close(ch)
		delete(c.watches, path)
	}
	c.watchMu.Unlock()

	close(c.events)
	close(c.done)
}
