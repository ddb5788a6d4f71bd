package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chzzk-relay/chat"
)

// waitSubscribers polls until the hub holds n clients.
func waitSubscribers(t *testing.T, deps Deps, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for deps.Hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", deps.Hub.Count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocketBroadcast(t *testing.T) {
	deps := newTestDeps(t, &fakeSessions{})
	srv := httptest.NewServer(NewMux(t.Context(), deps))
	defer srv.Close()

	a, b := dialWS(t, srv), dialWS(t, srv)
	waitSubscribers(t, deps, 2)

	events := []string{`{"content":"one"}`, `{"content":"two"}`, `{"content":"three"}`}
	for _, ev := range events {
		if n := deps.Hub.Broadcast([]byte(ev)); n != 2 {
			t.Fatalf("Broadcast delivered to %d, want 2", n)
		}
	}

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for i, want := range events {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("%s: read %d: %v", name, i, err)
			}
			if typ != websocket.TextMessage || string(msg) != want {
				t.Errorf("%s: frame %d = (%d, %s), want text %s", name, i, typ, msg, want)
			}
		}
	}
}

func TestWebSocketDisconnectDeregisters(t *testing.T) {
	deps := newTestDeps(t, &fakeSessions{})
	srv := httptest.NewServer(NewMux(t.Context(), deps))
	defer srv.Close()

	conn := dialWS(t, srv)
	waitSubscribers(t, deps, 1)
	_ = conn.Close()
	waitSubscribers(t, deps, 0)
}

func TestWebSocketClosedOnHubClose(t *testing.T) {
	deps := newTestDeps(t, &fakeSessions{})
	srv := httptest.NewServer(NewMux(t.Context(), deps))
	defer srv.Close()

	conn := dialWS(t, srv)
	waitSubscribers(t, deps, 1)
	deps.Hub.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

// TestWebSocketEndToEnd relays a CHAT event from the mock platform socket to a browser subscriber.
func TestWebSocketEndToEnd(t *testing.T) {
	deps := newTestDeps(t, nil)
	client, _, upstream := openLiveSession(t, deps.Hub)
	deps.Sessions = client
	srv := httptest.NewServer(NewMux(t.Context(), deps))
	defer srv.Close()

	conn := dialWS(t, srv)
	waitSubscribers(t, deps, 1)

	if err := upstream.Emit(chat.EventChat, `{"content":"안녕하세요","profile":{"nickname":"viewer"}}`); err != nil {
		t.Fatalf("emit chat: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"content":"안녕하세요","profile":{"nickname":"viewer"}}` {
		t.Errorf("relayed %s", msg)
	}
}

func TestSSEStream(t *testing.T) {
	deps := newTestDeps(t, &fakeSessions{})
	srv := httptest.NewServer(NewMux(t.Context(), deps))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	readLine := func() string {
		t.Helper()
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return strings.TrimRight(line, "\n")
	}
	if got := readLine(); got != ": connected" {
		t.Fatalf("first line = %q", got)
	}
	readLine()

	waitSubscribers(t, deps, 1)
	deps.Hub.Broadcast([]byte(`{"content":"hello"}`))
	if got := readLine(); got != `data: {"content":"hello"}` {
		t.Errorf("data line = %q", got)
	}
	if got := readLine(); got != "" {
		t.Errorf("expected blank line terminating the event, got %q", got)
	}

	resp.Body.Close()
	waitSubscribers(t, deps, 0)
}

func TestSSEMethodNotAllowed(t *testing.T) {
	h := NewMux(t.Context(), newTestDeps(t, &fakeSessions{}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/events", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSSEFrame(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, "data: {\"a\":1}\n\n"},
		{"{\n\"a\":1\n}", "data: {\ndata: \"a\":1\ndata: }\n\n"},
		{"{\r\n}", "data: {\ndata: }\n\n"},
	}
	for _, tt := range tests {
		if got := string(sseFrame([]byte(tt.in))); got != tt.want {
			t.Errorf("sseFrame(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
