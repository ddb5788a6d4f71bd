package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/chzzk-relay/chzzkapi"
	"github.com/onnwee/chzzk-relay/credstore"
	"github.com/onnwee/chzzk-relay/socketio"
	"github.com/onnwee/chzzk-relay/telemetry"
)

// Upstream event names.
const (
	EventSystem = "SYSTEM"
	EventChat   = "CHAT"
)

var (
	// ErrSessionSetup wraps failures to obtain a session descriptor or open the transport.
	ErrSessionSetup = errors.New("session setup failed")
	// ErrSessionActive is returned by Open while another session is still live.
	ErrSessionActive = errors.New("an upstream session is already active")
	// ErrSubscription marks a failed chat subscription. It is logged, never returned by Open.
	ErrSubscription = errors.New("chat subscription failed")
	// ErrSessionClosed is returned by Open when the session was closed before setup finished.
	ErrSessionClosed = errors.New("session closed during setup")
)

// Platform is the subset of the CHZZK API a session needs.
type Platform interface {
	CreateClientSession(ctx context.Context) (*chzzkapi.SessionDescriptor, error)
	SubscribeChat(ctx context.Context, cred credstore.AccessCredential, sessionKey string) error
}

// TokenProvider yields the access credential (see oauth.Service).
type TokenProvider interface {
	AcquireAccessToken(ctx context.Context) (*credstore.AccessCredential, error)
}

// Broadcaster receives every chat payload (see relay.Hub).
type Broadcaster interface {
	Broadcast(event []byte) int
}

// Transport is an open real-time connection. Events must be closed after
// Done, and Err must be set before Events is closed.
type Transport interface {
	Events() <-chan socketio.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc opens a Transport to a session URL.
type DialFunc func(ctx context.Context, url string) (Transport, error)

// SocketDialer dials the Socket.IO transport with opts.
func SocketDialer(opts socketio.Options) DialFunc {
	return func(ctx context.Context, url string) (Transport, error) {
		c, err := socketio.Dial(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Client opens upstream sessions. At most one session is live at a time.
type Client struct {
	Platform Platform
	Tokens   TokenProvider
	Hub      Broadcaster
	Dial     DialFunc

	mu      sync.Mutex
	current *Session
}

// NewClient wires a session client.
func NewClient(platform Platform, tokens TokenProvider, hub Broadcaster, dial DialFunc) *Client {
	return &Client{Platform: platform, Tokens: tokens, Hub: hub, Dial: dial}
}

// Current returns the most recent session, live or ended, or nil if Open
// was never called.
func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close ends the current session, if any.
func (c *Client) Close() {
	if s := c.Current(); s != nil {
		s.Close()
	}
}

// Open establishes a session: it requests a session descriptor, acquires the
// access credential, and opens the transport. Subscription happens
// asynchronously once the platform announces the session key.
//
// Credential errors are returned unchanged so callers can match
// oauth.ErrAuthenticationRequired and *oauth.TokenExchangeError. The session
// outlives ctx; end it with Session.Close.
func (c *Client) Open(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.current != nil && c.current.State() != StateClosed {
		c.mu.Unlock()
		return nil, ErrSessionActive
	}
	s := newSession()
	c.current = s
	c.mu.Unlock()

	// Close during setup cancels the in-flight platform calls and dial.
	ctx, stop := context.WithCancel(telemetry.WithCorrelation(ctx, s.id))
	defer stop()
	defer context.AfterFunc(s.ctx, stop)()

	ctx, span := telemetry.StartSpan(ctx, "chat", "open-session")
	defer span.End()

	s.setState(StateConnecting)

	desc, err := c.Platform.CreateClientSession(ctx)
	if err != nil {
		return s.fail(span, fmt.Errorf("%w: create client session: %w", ErrSessionSetup, err))
	}

	cred, err := c.Tokens.AcquireAccessToken(ctx)
	if err != nil {
		return s.fail(span, err)
	}

	tr, err := c.Dial(ctx, desc.URL)
	if err != nil {
		return s.fail(span, fmt.Errorf("%w: open transport: %w", ErrSessionSetup, err))
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = tr.Close()
		return s.fail(span, ErrSessionClosed)
	}
	s.transport = tr
	s.cred = *cred
	s.mu.Unlock()
	s.setState(StateAwaitingSessionKey)
	s.log.Info("upstream transport connected; awaiting session key")

	go s.run(s.ctx, c.Platform, c.Hub)

	telemetry.SetSpanSuccess(span)
	return s, nil
}

// Session is one upstream transport and the session key it was assigned.
type Session struct {
	id  string
	log *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	transport Transport
	cred      credstore.AccessCredential
	done      chan struct{}

	mu         sync.RWMutex
	state      State
	sessionKey string
	err        error
}

func newSession() *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(telemetry.WithCorrelation(context.Background(), id))
	return &Session{
		id:     id,
		log:    slog.Default().With(slog.String("component", "chat"), slog.String("session", id)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SessionKey returns the platform-assigned key, or "" before it arrives and
// after the session has closed.
func (s *Session) SessionKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionKey
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended; nil while live or after Close.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close ends the session and waits for its loop to finish. Called while Open
// is still in progress, it makes Open fail with ErrSessionClosed.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	telemetry.SetSessionState(int(st))
	if prev != st {
		s.log.Debug("session state", slog.String("from", prev.String()), slog.String("to", st.String()))
	}
}

// end moves the session to Closed and invalidates the session key.
func (s *Session) end(err error) {
	s.mu.Lock()
	s.state = StateClosed
	s.sessionKey = ""
	s.err = err
	s.mu.Unlock()
	telemetry.SetSessionState(int(StateClosed))
}

// fail aborts a session that never got past Open. Setup errors caused by
// Close are reported as ErrSessionClosed and leave Err nil.
func (s *Session) fail(span trace.Span, err error) (*Session, error) {
	if s.ctx.Err() != nil {
		err = ErrSessionClosed
		s.end(nil)
		s.log.Info("session closed during setup")
	} else {
		telemetry.RecordError(span, err)
		s.end(err)
	}
	s.cancel()
	close(s.done)
	return nil, err
}

// run is the single consumer of transport events and the only caller of
// Broadcast, so relayed events keep their arrival order.
func (s *Session) run(ctx context.Context, platform Platform, hub Broadcaster) {
	defer close(s.done)
	defer s.cancel()
	for {
		select {
		case <-ctx.Done():
			_ = s.transport.Close()
			s.end(nil)
			s.log.Info("upstream session closed")
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				err := s.transport.Err()
				s.end(err)
				s.log.Warn("upstream transport closed; chat relay stopped until a new session is opened",
					slog.Any("err", err))
				return
			}
			s.handle(ctx, platform, hub, ev)
		}
	}
}

type systemMessage struct {
	Type string `json:"type"`
	Data struct {
		SessionKey string `json:"sessionKey"`
		EventType  string `json:"eventType"`
		ChannelID  string `json:"channelId"`
	} `json:"data"`
}

func (s *Session) handle(ctx context.Context, platform Platform, hub Broadcaster, ev socketio.Event) {
	switch ev.Name {
	case EventSystem:
		var msg systemMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			s.log.Warn("malformed system message", slog.Any("err", err))
			return
		}
		s.handleSystem(ctx, platform, msg)
	case EventChat:
		if !json.Valid(ev.Payload) {
			telemetry.RecordMalformedEvent()
			s.log.Warn("dropping malformed chat payload", slog.Int("bytes", len(ev.Payload)))
			return
		}
		telemetry.RecordEventReceived()
		var n int
		telemetry.TimeFunc(telemetry.BroadcastDuration, func() { n = hub.Broadcast(ev.Payload) })
		s.log.Debug("chat event relayed", slog.Int("subscribers", n))
	default:
		s.log.Debug("ignoring upstream event", slog.String("event", ev.Name))
	}
}

func (s *Session) handleSystem(ctx context.Context, platform Platform, msg systemMessage) {
	switch msg.Type {
	case "connected":
		if s.State() != StateAwaitingSessionKey {
			s.log.Warn("ignoring repeated connected message", slog.String("state", s.State().String()))
			return
		}
		if msg.Data.SessionKey == "" {
			s.log.Warn("connected message without session key")
			return
		}
		s.mu.Lock()
		s.sessionKey = msg.Data.SessionKey
		s.mu.Unlock()
		s.log.Info("session key received; subscribing to chat", slog.String("session_key", MaskKey(msg.Data.SessionKey)))
		s.subscribe(ctx, platform, msg.Data.SessionKey)
	case "subscribed", "unsubscribed":
		s.log.Info("subscription update", slog.String("type", msg.Type),
			slog.String("event_type", msg.Data.EventType), slog.String("channel", msg.Data.ChannelID))
	case "revoked":
		s.log.Warn("platform revoked the subscription", slog.String("event_type", msg.Data.EventType))
	default:
		s.log.Debug("unhandled system message", slog.String("type", msg.Type))
	}
}

func (s *Session) subscribe(ctx context.Context, platform Platform, key string) {
	ctx, span := telemetry.StartSpan(ctx, "chat", "subscribe-chat")
	defer span.End()

	if err := platform.SubscribeChat(ctx, s.cred, key); err != nil {
		err = fmt.Errorf("%w: %w", ErrSubscription, err)
		telemetry.RecordError(span, err)
		telemetry.RecordSubscribeFailure()
		s.setState(StateDegraded)
		s.log.Error("chat subscription failed; transport stays open without chat delivery", slog.Any("err", err))
		return
	}
	telemetry.SetSpanSuccess(span)
	s.setState(StateSubscribed)
	s.log.Info("subscribed to chat events")
}

// MaskKey shortens a session key for logs and status output.
func MaskKey(key string) string {
	if len(key) <= 6 {
		if key == "" {
			return ""
		}
		return "***"
	}
	return key[:3] + "***" + key[len(key)-3:]
}
