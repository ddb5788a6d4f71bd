package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockSocketServer emulates a Socket.IO session server on the websocket
// transport. Each accepted connection is handed to the test via Accept.
type MockSocketServer struct {
	*httptest.Server
	PingInterval time.Duration
	PingTimeout  time.Duration
	// SkipConnectAck makes the server never acknowledge the namespace connect.
	SkipConnectAck bool

	mu         sync.Mutex
	handshakes int
	conns      chan *MockSocketConn
}

// MockSocketConn is the server side of one accepted client.
type MockSocketConn struct {
	EIO      string
	Query    map[string]string
	Received chan string

	ws     *websocket.Conn
	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewMockSocketServer starts a mock Socket.IO server.
func NewMockSocketServer(t *testing.T) *MockSocketServer {
	t.Helper()
	m := &MockSocketServer{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		conns:        make(chan *MockSocketConn, 8),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket.io/" || r.URL.Query().Get("transport") != "websocket" {
			http.Error(w, "bad transport request", http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.handshakes++
		m.mu.Unlock()

		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &MockSocketConn{
			EIO:      r.URL.Query().Get("EIO"),
			Query:    map[string]string{},
			Received: make(chan string, 64),
			ws:       ws,
			closed:   make(chan struct{}),
		}
		for k := range r.URL.Query() {
			c.Query[k] = r.URL.Query().Get(k)
		}
		open, _ := json.Marshal(map[string]any{
			"sid":          "mock-sid",
			"upgrades":     []string{},
			"pingInterval": m.PingInterval.Milliseconds(),
			"pingTimeout":  m.PingTimeout.Milliseconds(),
		})
		_ = c.send("0" + string(open))
		if c.EIO == "3" && !m.SkipConnectAck {
			_ = c.send("40")
		}
		m.conns <- c
		c.serve(m.SkipConnectAck)
	}))
	t.Cleanup(m.Close)
	return m
}

// SessionURL returns an http URL like the one the client-session endpoint hands out.
func (m *MockSocketServer) SessionURL() string {
	return m.URL + "?auth=mock-auth"
}

// Handshakes counts websocket upgrade requests received.
func (m *MockSocketServer) Handshakes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handshakes
}

// Accept waits for the next client connection.
func (m *MockSocketServer) Accept(t *testing.T) *MockSocketConn {
	t.Helper()
	select {
	case c := <-m.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for socket.io client")
		return nil
	}
}

func (c *MockSocketConn) serve(skipAck bool) {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame := string(data)
		switch {
		case frame == "2":
			_ = c.send("3")
		case frame == "40" && c.EIO == "4" && !skipAck:
			_ = c.send(`40{"sid":"mock-ns-sid"}`)
		}
		select {
		case c.Received <- frame:
		default:
		}
	}
}

func (c *MockSocketConn) send(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Emit sends an EVENT packet. A string payload is sent as a JSON string
// argument, the way the platform encodes SYSTEM and CHAT payloads.
func (c *MockSocketConn) Emit(event string, payload any) error {
	data, err := json.Marshal([]any{event, payload})
	if err != nil {
		return err
	}
	return c.send("42" + string(data))
}

// EmitRaw sends frame unchanged.
func (c *MockSocketConn) EmitRaw(frame string) error {
	return c.send(frame)
}

// WaitFor blocks until a frame with prefix is received from the client.
func (c *MockSocketConn) WaitFor(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-c.Received:
			if strings.HasPrefix(f, prefix) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for client frame %q", prefix)
			return ""
		}
	}
}

// Close drops the connection without a Socket.IO disconnect packet.
func (c *MockSocketConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// Closed is closed once the connection has been torn down on the server side.
func (c *MockSocketConn) Closed() <-chan struct{} { return c.closed }

// String describes the connection for test failure messages.
func (c *MockSocketConn) String() string {
	return fmt.Sprintf("mock socket (EIO=%s)", c.EIO)
}
