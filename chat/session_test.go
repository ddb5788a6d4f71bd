package chat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chzzk-relay/chzzkapi"
	"github.com/onnwee/chzzk-relay/credstore"
	"github.com/onnwee/chzzk-relay/oauth"
	"github.com/onnwee/chzzk-relay/relay"
	"github.com/onnwee/chzzk-relay/socketio"
	"github.com/onnwee/chzzk-relay/testutil"
)

// Session client tests
//
// Unit tests drive the session loop through fakeTransport. The integration
// tests at the bottom run the real Socket.IO client against
// testutil.MockSocketServer and the real API client against
// testutil.MockChzzkServer.

type fakePlatform struct {
	mu           sync.Mutex
	sessionCalls int
	sessionErr   error
	url          string
	subscribeErr error
	subscribed   []string
	tokens       []string
}

func (f *fakePlatform) CreateClientSession(ctx context.Context) (*chzzkapi.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCalls++
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	return &chzzkapi.SessionDescriptor{URL: f.url}, nil
}

func (f *fakePlatform) SubscribeChat(ctx context.Context, cred credstore.AccessCredential, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, key)
	f.tokens = append(f.tokens, cred.AccessToken)
	return f.subscribeErr
}

func (f *fakePlatform) subscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

type fakeTokens struct {
	cred credstore.AccessCredential
	err  error
}

func (f fakeTokens) AcquireAccessToken(ctx context.Context) (*credstore.AccessCredential, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := f.cred
	return &c, nil
}

type fakeTransport struct {
	events chan socketio.Event
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan socketio.Event, 16), done: make(chan struct{})}
}

func (f *fakeTransport) Events() <-chan socketio.Event { return f.events }
func (f *fakeTransport) Done() <-chan struct{}         { return f.done }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.drop(nil)
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// drop ends the transport as if the peer went away.
func (f *fakeTransport) drop(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
		close(f.events)
	})
}

func (f *fakeTransport) emit(name, payload string) {
	f.events <- socketio.Event{Name: name, Payload: []byte(payload)}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func recv(t *testing.T, c *relay.Client) string {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if !ok {
			t.Fatal("subscriber closed")
		}
		return string(m)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for relayed event")
		return ""
	}
}

func openFake(t *testing.T, p *fakePlatform, hub *relay.Hub) (*Client, *Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	var dialed string
	c := NewClient(p, fakeTokens{cred: credstore.AccessCredential{AccessToken: "T1"}}, hub,
		func(ctx context.Context, url string) (Transport, error) {
			dialed = url
			return tr, nil
		})
	s, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if dialed != p.url {
		t.Errorf("dialed %q, want %q", dialed, p.url)
	}
	t.Cleanup(s.Close)
	return c, s, tr
}

func TestOpen_AwaitsSessionKey(t *testing.T) {
	_, s, _ := openFake(t, &fakePlatform{url: "https://ssio.example?auth=1"}, relay.NewHub())
	if s.State() != StateAwaitingSessionKey {
		t.Errorf("State() = %s", s.State())
	}
	if s.SessionKey() != "" {
		t.Errorf("SessionKey() = %q before connected", s.SessionKey())
	}
}

func TestConnectedSubscribesOnce(t *testing.T) {
	p := &fakePlatform{url: "https://ssio.example"}
	_, s, tr := openFake(t, p, relay.NewHub())

	tr.emit(EventSystem, `{"type":"connected","data":{"sessionKey":"SK1"}}`)
	waitState(t, s, StateSubscribed)
	if s.SessionKey() != "SK1" {
		t.Errorf("SessionKey() = %q, want SK1", s.SessionKey())
	}

	// a repeated connected message is not a second subscription
	tr.emit(EventSystem, `{"type":"connected","data":{"sessionKey":"SK2"}}`)
	tr.emit(EventSystem, `{"type":"subscribed","data":{"eventType":"CHAT"}}`)
	time.Sleep(20 * time.Millisecond)

	calls := p.subscribeCalls()
	if len(calls) != 1 || calls[0] != "SK1" {
		t.Errorf("subscribe calls = %v, want [SK1]", calls)
	}
	if s.SessionKey() != "SK1" {
		t.Errorf("SessionKey() = %q after repeat", s.SessionKey())
	}
}

func TestSubscribeFailureLeavesTransportOpen(t *testing.T) {
	p := &fakePlatform{url: "https://ssio.example", subscribeErr: errors.New("403")}
	_, s, tr := openFake(t, p, relay.NewHub())

	tr.emit(EventSystem, `{"type":"connected","data":{"sessionKey":"SK1"}}`)
	waitState(t, s, StateDegraded)
	if tr.isClosed() {
		t.Error("transport must stay open after a failed subscription")
	}
	select {
	case <-s.Done():
		t.Error("session ended after subscription failure")
	default:
	}
}

func TestChatRelayedToSubscribers(t *testing.T) {
	hub := relay.NewHub()
	a, b := relay.NewClient("a", 8), relay.NewClient("b", 8)
	hub.Register(a)
	hub.Register(b)
	_, s, tr := openFake(t, &fakePlatform{url: "https://ssio.example"}, hub)

	tr.emit(EventSystem, `{"type":"connected","data":{"sessionKey":"SK1"}}`)
	waitState(t, s, StateSubscribed)

	tr.emit(EventChat, `{"content":"hello"}`)
	if got := recv(t, a); got != `{"content":"hello"}` {
		t.Errorf("a got %s", got)
	}
	if got := recv(t, b); got != `{"content":"hello"}` {
		t.Errorf("b got %s", got)
	}

	late := relay.NewClient("late", 8)
	hub.Register(late)
	tr.emit(EventChat, `not json`)
	tr.emit(EventChat, `{"content":"second"}`)

	if got := recv(t, a); got != `{"content":"second"}` {
		t.Errorf("malformed payload should be skipped, a got %s", got)
	}
	if got := recv(t, late); got != `{"content":"second"}` {
		t.Errorf("late subscriber got %s, want only the event after it joined", got)
	}
}

func TestTransportCloseEndsSession(t *testing.T) {
	p := &fakePlatform{url: "https://ssio.example"}
	c, s, tr := openFake(t, p, relay.NewHub())
	tr.emit(EventSystem, `{"type":"connected","data":{"sessionKey":"SK1"}}`)
	waitState(t, s, StateSubscribed)

	dropErr := errors.New("websocket: close 1006")
	tr.drop(dropErr)

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s, want closed", s.State())
	}
	if !errors.Is(s.Err(), dropErr) {
		t.Errorf("Err() = %v", s.Err())
	}
	if s.SessionKey() != "" {
		t.Error("session key must be invalidated on close")
	}
	time.Sleep(20 * time.Millisecond)
	if p.sessionCalls != 1 {
		t.Errorf("session descriptor requested %d times, want 1 (no reconnect)", p.sessionCalls)
	}
	if c.Current() != s {
		t.Error("Current() should still report the ended session")
	}
}

func TestOpen_RefusesSecondLiveSession(t *testing.T) {
	p := &fakePlatform{url: "https://ssio.example"}
	c, s, tr := openFake(t, p, relay.NewHub())

	if _, err := c.Open(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Open() error = %v, want ErrSessionActive", err)
	}

	tr.drop(nil)
	<-s.Done()

	// after the first session ends a new one may be opened explicitly
	tr2 := newFakeTransport()
	c.Dial = func(ctx context.Context, url string) (Transport, error) { return tr2, nil }
	s2, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() after close error = %v", err)
	}
	defer s2.Close()
	if p.sessionCalls != 2 {
		t.Errorf("session calls = %d, want 2", p.sessionCalls)
	}
}

func TestCloseDuringOpen(t *testing.T) {
	tests := []struct {
		name string
		// dial runs once Close has cancelled the setup context.
		dial func(ctx context.Context, tr *fakeTransport) (Transport, error)
		// a transport handed back after Close must be closed by Open
		dialed bool
	}{
		{
			name:   "dial completes after close",
			dial:   func(ctx context.Context, tr *fakeTransport) (Transport, error) { return tr, nil },
			dialed: true,
		},
		{
			name: "dial honours cancellation",
			dial: func(ctx context.Context, tr *fakeTransport) (Transport, error) { return nil, ctx.Err() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			dialing := make(chan struct{})
			c := NewClient(&fakePlatform{url: "https://ssio.example"}, fakeTokens{cred: credstore.AccessCredential{AccessToken: "T1"}}, relay.NewHub(),
				func(ctx context.Context, url string) (Transport, error) {
					close(dialing)
					<-ctx.Done()
					return tt.dial(ctx, tr)
				})

			type result struct {
				s   *Session
				err error
			}
			opened := make(chan result, 1)
			go func() {
				s, err := c.Open(context.Background())
				opened <- result{s, err}
			}()
			<-dialing
			s := c.Current()

			closed := make(chan struct{})
			go func() {
				c.Close()
				close(closed)
			}()
			select {
			case <-closed:
			case <-time.After(3 * time.Second):
				t.Fatal("Close did not return")
			}

			res := <-opened
			if res.s != nil || !errors.Is(res.err, ErrSessionClosed) {
				t.Fatalf("Open() = %v, %v; want ErrSessionClosed", res.s, res.err)
			}
			if s.State() != StateClosed {
				t.Errorf("state = %s, want closed", s.State())
			}
			if s.Err() != nil {
				t.Errorf("Err() = %v, want nil after Close", s.Err())
			}
			if tt.dialed && !tr.isClosed() {
				t.Error("transport dialed during Close was left open")
			}

			c.Dial = func(ctx context.Context, url string) (Transport, error) { return newFakeTransport(), nil }
			s2, err := c.Open(context.Background())
			if err != nil {
				t.Fatalf("Open() after Close error = %v", err)
			}
			s2.Close()
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	exchangeErr := &oauth.TokenExchangeError{StatusCode: http.StatusBadRequest, Body: "bad grant"}
	tests := []struct {
		name     string
		platform *fakePlatform
		tokens   fakeTokens
		dialErr  error
		check    func(t *testing.T, err error)
	}{
		{
			name:     "session descriptor failure",
			platform: &fakePlatform{sessionErr: errors.New("500")},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrSessionSetup) {
					t.Errorf("error = %v, want ErrSessionSetup", err)
				}
			},
		},
		{
			name:     "authentication required propagates",
			platform: &fakePlatform{url: "https://x"},
			tokens:   fakeTokens{err: oauth.ErrAuthenticationRequired},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, oauth.ErrAuthenticationRequired) {
					t.Errorf("error = %v, want ErrAuthenticationRequired", err)
				}
			},
		},
		{
			name:     "token exchange failure propagates",
			platform: &fakePlatform{url: "https://x"},
			tokens:   fakeTokens{err: exchangeErr},
			check: func(t *testing.T, err error) {
				var ex *oauth.TokenExchangeError
				if !errors.As(err, &ex) || ex.StatusCode != http.StatusBadRequest {
					t.Errorf("error = %v, want *TokenExchangeError", err)
				}
			},
		},
		{
			name:     "transport failure",
			platform: &fakePlatform{url: "https://x"},
			tokens:   fakeTokens{cred: credstore.AccessCredential{AccessToken: "T1"}},
			dialErr:  context.DeadlineExceeded,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrSessionSetup) || !errors.Is(err, context.DeadlineExceeded) {
					t.Errorf("error = %v, want ErrSessionSetup wrapping the dial error", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.platform, tt.tokens, relay.NewHub(), func(ctx context.Context, url string) (Transport, error) {
				if tt.dialErr != nil {
					return nil, tt.dialErr
				}
				return newFakeTransport(), nil
			})
			s, err := c.Open(context.Background())
			if err == nil {
				s.Close()
				t.Fatal("expected error")
			}
			tt.check(t, err)
			cur := c.Current()
			if cur == nil || cur.State() != StateClosed {
				t.Fatal("failed session should be recorded as closed")
			}
			<-cur.Done()
		})
	}
}

func TestMaskKey(t *testing.T) {
	for in, want := range map[string]string{"": "", "abc": "***", "SK1234567": "SK1***567"} {
		if got := MaskKey(in); got != want {
			t.Errorf("MaskKey(%q) = %q, want %q", in, got, want)
		}
	}
}

// End to end over a real websocket: session key, subscription with bearer,
// relay of a chat message, and no reconnect after the server drops.
func TestSession_Integration(t *testing.T) {
	sock := testutil.NewMockSocketServer(t)
	api := testutil.NewMockChzzkServer(t)
	api.MockClientSession(sock.SessionURL())
	api.MockSubscribeChat(http.StatusOK)

	hub := relay.NewHub()
	a, b := relay.NewClient("a", 8), relay.NewClient("b", 8)
	hub.Register(a)
	hub.Register(b)

	platform := &chzzkapi.Client{BaseURL: api.URL, ClientID: "cid", ClientSecret: "cs"}
	c := NewClient(platform, fakeTokens{cred: credstore.AccessCredential{AccessToken: "T1"}}, hub,
		SocketDialer(socketio.Options{ConnectTimeout: 2 * time.Second}))

	s, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	srv := sock.Accept(t)

	_ = srv.Emit(EventSystem, `{"type":"connected","data":{"sessionKey":"SK1"}}`)
	waitState(t, s, StateSubscribed)

	reqs := api.Requests("/open/v1/sessions/events/subscribe/chat")
	if len(reqs) != 1 {
		t.Fatalf("subscribe calls = %d, want 1", len(reqs))
	}
	if reqs[0].URL.Query().Get("sessionKey") != "SK1" || reqs[0].Header.Get("Authorization") != "Bearer T1" {
		t.Errorf("unexpected subscribe request %s %v", reqs[0].URL, reqs[0].Header)
	}

	_ = srv.Emit(EventChat, `{"content":"hello"}`)
	if got := recv(t, a); got != `{"content":"hello"}` {
		t.Errorf("a got %s", got)
	}
	if got := recv(t, b); got != `{"content":"hello"}` {
		t.Errorf("b got %s", got)
	}

	srv.Close()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after server close")
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %s", s.State())
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(api.Requests("/open/v1/sessions/auth/client")); n != 1 {
		t.Errorf("client session requested %d times, want 1", n)
	}
	if n := sock.Handshakes(); n != 1 {
		t.Errorf("transport handshakes = %d, want 1", n)
	}
}

func TestSession_IntegrationSubscribeRejected(t *testing.T) {
	sock := testutil.NewMockSocketServer(t)
	api := testutil.NewMockChzzkServer(t)
	api.MockClientSession(sock.SessionURL())
	api.MockSubscribeChat(http.StatusForbidden)

	platform := &chzzkapi.Client{BaseURL: api.URL, ClientID: "cid", ClientSecret: "cs"}
	c := NewClient(platform, fakeTokens{cred: credstore.AccessCredential{AccessToken: "T1"}}, relay.NewHub(),
		SocketDialer(socketio.Options{}))
	s, err := c.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	srv := sock.Accept(t)

	_ = srv.Emit(EventSystem, `{"type":"connected","data":{"sessionKey":"SK1"}}`)
	waitState(t, s, StateDegraded)

	select {
	case <-srv.Closed():
		t.Fatal("transport closed after rejected subscription")
	case <-time.After(100 * time.Millisecond):
	}
}
