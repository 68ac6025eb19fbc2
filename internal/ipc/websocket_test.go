package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawhost/internal/hosterr"
)

func dialBridge(t *testing.T, srv *httptest.Server, referer string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	if referer != "" {
		header.Set("Referer", referer)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/bridge"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func wsExchange(t *testing.T, conn *websocket.Conn, out wsMessage) wsMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, out))
	var in wsMessage
	require.NoError(t, wsjson.Read(ctx, conn, &in))
	return in
}

func wsHandshakeMsg(t *testing.T) wsMessage {
	body, err := json.Marshal(Handshake{ClientName: "test", WindowID: "ws-main"})
	require.NoError(t, err)
	return wsMessage{Type: wsHandshake, ID: 1, Body: body}
}

func TestWSBridgeRoundTrip(t *testing.T) {
	f := newFixture(t)
	hub := NewHub()
	ws := NewWSServer("127.0.0.1:0", f.d, hub, quietLogger())
	srv := httptest.NewServer(ws.Router())
	defer srv.Close()

	conn := dialBridge(t, srv, trustedURL)
	ack := wsExchange(t, conn, wsHandshakeMsg(t))
	require.Equal(t, wsHandshakeAck, ack.Type)
	var hs HandshakeAck
	require.NoError(t, json.Unmarshal(ack.Body, &hs))
	assert.NotEmpty(t, hs.PeerID)
	assert.Equal(t, 1, hub.Len())

	body := json.RawMessage(`{"action":"isPluginsEnabled","requestId":5}`)
	resp := wsExchange(t, conn, wsMessage{Type: wsRequest, ID: 2, Body: body})
	require.Equal(t, wsResponse, resp.Type)
	assert.Equal(t, uint32(2), resp.ID)
	assert.JSONEq(t, `{"success":true,"data":true,"requestId":5}`, string(resp.Body))

	pong := wsExchange(t, conn, wsMessage{Type: wsPing, ID: 3})
	assert.Equal(t, wsPong, pong.Type)

	bad := wsExchange(t, conn, wsMessage{Type: "bogus", ID: 4})
	assert.Equal(t, wsError, bad.Type)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.windows.Len())
}

func TestWSBridgeUntrustedReferer(t *testing.T) {
	f := newFixture(t)
	ws := NewWSServer("127.0.0.1:0", f.d, NewHub(), quietLogger())
	srv := httptest.NewServer(ws.Router())
	defer srv.Close()

	conn := dialBridge(t, srv, "https://attacker.example/page")
	require.Equal(t, wsHandshakeAck, wsExchange(t, conn, wsHandshakeMsg(t)).Type)

	body := json.RawMessage(`{"action":"listPlugins","requestId":1}`)
	resp := wsExchange(t, conn, wsMessage{Type: wsRequest, ID: 2, Body: body})
	var r Response
	require.NoError(t, json.Unmarshal(resp.Body, &r))
	assert.ErrorIs(t, r.Err(), hosterr.Sentinel(hosterr.SecurityViolation))
}

func TestWSHealthz(t *testing.T) {
	f := newFixture(t)
	ws := NewWSServer("127.0.0.1:0", f.d, NewHub(), quietLogger())
	srv := httptest.NewServer(ws.Router())
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(0), health["peers"])
}

func TestWSStartRequiresLoopback(t *testing.T) {
	f := newFixture(t)
	err := NewWSServer("0.0.0.0:0", f.d, NewHub(), quietLogger()).Start()
	assert.ErrorIs(t, err, ErrNotLoopback)

	ws := NewWSServer("127.0.0.1:0", f.d, NewHub(), quietLogger())
	require.NoError(t, ws.Start())
	assert.NotEqual(t, "127.0.0.1:0", ws.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ws.Stop(ctx))
}
