package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// GatewayOptions configures a GatewayServer.
type GatewayOptions struct {
	// Token is the only token the server accepts.
	Token string
	// Reject, when non-empty, answers every Authenticate with an Error frame
	// carrying this message.
	Reject string
	// AutoPong answers every Ping with a Pong echoing its time field.
	AutoPong bool
}

// GatewayServer is an in-process chat gateway: a REST root advertising the
// WebSocket URL and a socket endpoint that runs the open handshake.
type GatewayServer struct {
	// URL is the REST base URL.
	URL string
	// WSURL is the socket URL advertised by the REST root.
	WSURL string

	t     *testing.T
	opts  GatewayOptions
	srv   *httptest.Server
	conns chan *GatewayConn

	mu  sync.Mutex
	all []*GatewayConn
}

// NewGatewayServer starts a fake gateway.
//
// Postcondition: Returns a listening server that is closed on test cleanup.
func NewGatewayServer(t *testing.T, opts GatewayOptions) *GatewayServer {
	t.Helper()
	g := &GatewayServer{
		t:     t,
		opts:  opts,
		conns: make(chan *GatewayConn, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.serveSocket)
	mux.HandleFunc("/", g.serveRoot)
	g.srv = httptest.NewServer(mux)
	g.URL = g.srv.URL
	g.WSURL = "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"

	t.Cleanup(func() {
		g.mu.Lock()
		for _, c := range g.all {
			_ = c.ws.Close()
		}
		g.mu.Unlock()
		g.srv.Close()
	})
	return g
}

func (g *GatewayServer) serveRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("x-bot-token") != g.opts.Token {
		http.Error(w, `{"type":"InvalidSession"}`, http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"revolt": "0.5.3",
		"features": map[string]any{
			"captcha":     map[string]any{"enabled": false, "key": ""},
			"email":       false,
			"invite_only": false,
			"autumn":      map[string]any{"enabled": true, "url": g.srv.URL + "/autumn"},
			"january":     map[string]any{"enabled": false, "url": ""},
			"voso":        map[string]any{"enabled": false, "url": "", "ws": ""},
		},
		"ws":    g.WSURL,
		"app":   g.srv.URL + "/app",
		"vapid": "",
	})
}

func (g *GatewayServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.t.Logf("upgrade failed: %v", err)
		return
	}
	c := &GatewayConn{ws: ws, frames: make(chan map[string]any, 64)}
	g.mu.Lock()
	g.all = append(g.all, c)
	g.mu.Unlock()

	var auth struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := ws.ReadJSON(&auth); err != nil {
		g.t.Logf("reading authenticate frame: %v", err)
		_ = ws.Close()
		return
	}
	c.AuthToken = auth.Token

	switch {
	case auth.Type != "Authenticate":
		_ = c.Send(map[string]any{"type": "Error", "error": "InvalidSession"})
	case g.opts.Reject != "":
		_ = c.Send(map[string]any{"type": "Error", "error": g.opts.Reject})
	case auth.Token != g.opts.Token:
		_ = c.Send(map[string]any{"type": "Error", "error": "InvalidSession"})
	default:
		_ = c.Send(map[string]any{"type": "Authenticated"})
	}

	go c.readLoop(g.opts.AutoPong)
	g.conns <- c
}

// Accept returns the next connection that completed the handshake exchange.
//
// Postcondition: Returns a connection or fails the test after timeout.
func (g *GatewayServer) Accept(timeout time.Duration) *GatewayConn {
	g.t.Helper()
	select {
	case c := <-g.conns:
		return c
	case <-time.After(timeout):
		g.t.Fatalf("no gateway connection within %s", timeout)
		return nil
	}
}

// GatewayConn is the server side of one gateway socket.
type GatewayConn struct {
	// AuthToken is the token the client authenticated with.
	AuthToken string

	ws     *websocket.Conn
	wmu    sync.Mutex
	frames chan map[string]any
}

// Send writes v as a JSON text frame.
func (c *GatewayConn) Send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// SendBinary writes data as a binary frame.
func (c *GatewayConn) SendBinary(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Next returns the next client frame that was not consumed by AutoPong.
//
// Postcondition: ok is false when no frame arrived within timeout or the
// socket closed.
func (c *GatewayConn) Next(timeout time.Duration) (frame map[string]any, ok bool) {
	select {
	case f, open := <-c.frames:
		return f, open
	case <-time.After(timeout):
		return nil, false
	}
}

// Closed blocks until the client closes the socket or timeout elapses.
//
// Postcondition: Returns true when the socket closed.
func (c *GatewayConn) Closed(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case _, open := <-c.frames:
			if !open {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func (c *GatewayConn) readLoop(autoPong bool) {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if autoPong && frame["type"] == "Ping" {
			_ = c.Send(map[string]any{"type": "Pong", "data": frame["time"]})
			continue
		}
		select {
		case c.frames <- frame:
		default:
		}
	}
}
