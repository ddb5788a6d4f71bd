package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockChzzkServer creates a test server that mocks CHZZK open API responses.
// Every request is recorded so tests can assert on call counts and headers.
type MockChzzkServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []*http.Request
	bodies   map[*http.Request][]byte
}

// NewMockChzzkServer creates a new mock CHZZK API server.
func NewMockChzzkServer(t *testing.T) *MockChzzkServer {
	t.Helper()
	m := &MockChzzkServer{
		Handlers: make(map[string]http.HandlerFunc),
		bodies:   make(map[*http.Request][]byte),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, r)
		m.bodies[r] = body
		h, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns the requests received for path, in arrival order.
func (m *MockChzzkServer) Requests(path string) []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*http.Request
	for _, r := range m.requests {
		if r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Body returns the recorded request body of r.
func (m *MockChzzkServer) Body(r *http.Request) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodies[r]
}

// Handle registers h for path.
func (m *MockChzzkServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// WriteContent writes the platform envelope {"code":status,"message":null,"content":content}.
func WriteContent(w http.ResponseWriter, status int, content any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
		"code":    status,
		"message": nil,
		"content": content,
	})
}

// MockTokenResponse adds a handler for the token endpoint.
func (m *MockChzzkServer) MockTokenResponse(status int, accessToken string) {
	m.Handle("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			WriteContent(w, status, map[string]string{"error": "INVALID_REQUEST"})
			return
		}
		WriteContent(w, status, map[string]string{
			"accessToken":  accessToken,
			"refreshToken": "refresh-" + accessToken,
			"tokenType":    "Bearer",
			"expiresIn":    "86400",
		})
	})
}

// MockClientSession adds a handler for the client session endpoint returning sessionURL.
func (m *MockChzzkServer) MockClientSession(sessionURL string) {
	m.Handle("/open/v1/sessions/auth/client", func(w http.ResponseWriter, r *http.Request) {
		WriteContent(w, http.StatusOK, map[string]string{"url": sessionURL})
	})
}

// MockSubscribeChat adds a handler for the chat subscription endpoint answering with status.
func (m *MockChzzkServer) MockSubscribeChat(status int) {
	m.Handle("/open/v1/sessions/events/subscribe/chat", func(w http.ResponseWriter, r *http.Request) {
		WriteContent(w, status, nil)
	})
}
