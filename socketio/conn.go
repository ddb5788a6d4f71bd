// Package socketio is a receive-only Socket.IO client over the websocket
// Engine.IO transport. It speaks protocol v2 on Engine.IO 3 (the CHZZK
// session servers) and v4 on Engine.IO 4. There is no polling fallback and no
// reconnection: once the connection ends, Done is closed and Err reports why.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Supported Engine.IO protocol revisions.
const (
	EIO3 = 3
	EIO4 = 4
)

const (
	defaultConnectTimeout = 3 * time.Second
	defaultEventBuffer    = 64
)

// ErrServerDisconnect is reported when the server closes the namespace or the engine.
var ErrServerDisconnect = errors.New("socketio: server closed the connection")

// Event is one inbound Socket.IO event. Payload is the first argument.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Options configures Dial.
type Options struct {
	// ConnectTimeout bounds the websocket dial plus the namespace handshake.
	ConnectTimeout time.Duration
	// EIO selects the Engine.IO revision (EIO3 when zero).
	EIO int
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	Header      http.Header
}

// Conn is an established Socket.IO connection to the default namespace.
type Conn struct {
	ws     *websocket.Conn
	eio    int
	hs     handshake
	events chan Event
	done   chan struct{}
	log    *slog.Logger

	wmu sync.Mutex

	closing   atomic.Bool
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Endpoint derives the websocket URL for a session URL. http(s) schemes are
// mapped to ws(s), an empty path becomes /socket.io/, and the EIO and
// transport query parameters are set; other query parameters are kept.
func Endpoint(rawURL string, eio int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse session url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported session url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("session url has no host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", strconv.Itoa(eio))
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the websocket, completes the Engine.IO handshake and waits for
// the namespace connect acknowledgement, all within ConnectTimeout.
func Dial(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.EIO == 0 {
		opts.EIO = EIO3
	}
	if opts.EIO != EIO3 && opts.EIO != EIO4 {
		return nil, fmt.Errorf("unsupported engine.io version %d", opts.EIO)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	endpoint, err := Endpoint(rawURL, opts.EIO)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	deadline, _ := dctx.Deadline()

	ws, resp, err := dialer.DialContext(dctx, endpoint, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redact(endpoint), err)
	}

	c := &Conn{
		ws:     ws,
		eio:    opts.EIO,
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
		log:    slog.Default().With(slog.String("component", "socketio")),
	}

	// Abort the handshake reads if the caller's context ends first.
	stop := context.AfterFunc(dctx, func() { _ = ws.SetReadDeadline(time.Now()) })
	pending, err := c.handshake(deadline)
	stop()
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	c.log.Debug("socket.io connected",
		slog.String("sid", c.hs.SID),
		slog.Int("eio", c.eio),
		slog.Duration("ping_interval", c.hs.interval()))

	go c.readLoop(pending)
	if c.eio == EIO3 {
		go c.pingLoop()
	}
	return c, nil
}

// handshake reads the open packet and waits for the namespace CONNECT.
// Events that arrive before the acknowledgement are returned for replay.
func (c *Conn) handshake(deadline time.Time) ([]Event, error) {
	_ = c.ws.SetReadDeadline(deadline)
	frame, err := c.readFrame()
	if err != nil {
		return nil, fmt.Errorf("read open packet: %w", err)
	}
	c.hs, err = parseHandshake(frame)
	if err != nil {
		return nil, err
	}
	if c.eio == EIO4 {
		if err := c.write("40"); err != nil {
			return nil, fmt.Errorf("send namespace connect: %w", err)
		}
	}

	var pending []Event
	for {
		frame, err := c.readFrame()
		if err != nil {
			return nil, fmt.Errorf("await namespace connect: %w", err)
		}
		if frame == "" {
			continue
		}
		switch frame[0] {
		case eioPing:
			if err := c.write(string(eioPong) + frame[1:]); err != nil {
				return nil, err
			}
		case eioClose:
			return nil, ErrServerDisconnect
		case eioMessage:
			p, err := parsePacket(frame[1:])
			if err != nil || p.Namespace != "" {
				continue
			}
			switch p.Type {
			case sioConnect:
				return pending, nil
			case sioError:
				return nil, fmt.Errorf("namespace connect refused: %s", string(p.Data))
			case sioEvent:
				if ev, err := decodeEvent(p.Data); err == nil {
					pending = append(pending, ev)
				}
			}
		}
	}
}

func (c *Conn) readFrame() (string, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (c *Conn) write(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hs.timeout() + time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// liveness is how long the reader waits for any frame before declaring the
// peer dead.
func (c *Conn) liveness() time.Duration {
	return c.hs.interval() + c.hs.timeout()
}

func (c *Conn) readLoop(pending []Event) {
	defer close(c.events)
	for _, ev := range pending {
		if !c.deliver(ev) {
			return
		}
	}
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.liveness()))
		frame, err := c.readFrame()
		if err != nil {
			c.finish(err)
			return
		}
		if frame == "" {
			continue
		}
		switch frame[0] {
		case eioPing:
			if err := c.write(string(eioPong) + frame[1:]); err != nil {
				c.finish(err)
				return
			}
		case eioPong, eioNoop, eioUpgrade, eioOpen:
		case eioClose:
			c.finish(ErrServerDisconnect)
			return
		case eioMessage:
			if !c.handleMessage(frame[1:]) {
				return
			}
		default:
			c.log.Debug("unknown engine.io packet", slog.String("frame", truncate(frame)))
		}
	}
}

// handleMessage processes one Socket.IO packet; false ends the read loop.
func (c *Conn) handleMessage(s string) bool {
	p, err := parsePacket(s)
	if err != nil {
		c.log.Debug("drop socket.io packet", slog.Any("err", err))
		return true
	}
	if p.Namespace != "" && p.Namespace != "/" {
		return true
	}
	switch p.Type {
	case sioEvent:
		ev, err := decodeEvent(p.Data)
		if err != nil {
			c.log.Debug("drop malformed event", slog.Any("err", err), slog.String("packet", truncate(s)))
			return true
		}
		return c.deliver(ev)
	case sioDisconnect:
		c.finish(ErrServerDisconnect)
		return false
	case sioError:
		c.finish(fmt.Errorf("socketio: server error: %s", string(p.Data)))
		return false
	case sioBinaryEvent, sioBinaryAck:
		c.log.Debug("binary packets are not supported", slog.String("packet", truncate(s)))
	}
	return true
}

// deliver blocks until the consumer takes ev or the connection ends.
func (c *Conn) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// pingLoop drives Engine.IO 3 heartbeats; in that revision the client pings.
func (c *Conn) pingLoop() {
	t := time.NewTicker(c.hs.interval())
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.write(string(eioPing)); err != nil {
				c.finish(err)
				return
			}
		}
	}
}

func (c *Conn) finish(err error) {
	if c.closing.Load() {
		err = nil
	}
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

// Events delivers inbound events in arrival order. It is closed when the
// connection ends.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended; nil after a local Close or while open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SID returns the Engine.IO session id from the handshake.
func (c *Conn) SID() string { return c.hs.SID }

// Close disconnects from the namespace and closes the websocket. It is safe
// to call more than once.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.closing.Store(true)
	_ = c.write("41")
	c.wmu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	c.finish(nil)
	return nil
}

// redact strips the query (it carries the session auth token) for logging.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
