// Package relay fans one upstream event stream out to many downstream
// subscribers.
//
// Delivery is best effort: every Client owns a bounded outbox, and a
// broadcast that finds an outbox full drops that subscriber instead of
// blocking the producer. The subscriber set is guarded by a mutex held for
// the whole broadcast, so an event reaches exactly the clients registered
// when Broadcast was called.
package relay

import (
	"log/slog"
	"sync"

	"github.com/onnwee/chzzk-relay/telemetry"
)

// DefaultBuffer is the outbox size used when NewClient is given zero.
const DefaultBuffer = 64

// Client is one downstream subscriber.
type Client struct {
	id   string
	out  chan []byte
	once sync.Once
	done chan struct{}
}

// NewClient returns a client with an outbox of buffer events.
func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Client{id: id, out: make(chan []byte, buffer), done: make(chan struct{})}
}

// ID returns the identifier given at construction.
func (c *Client) ID() string { return c.id }

// Messages yields relayed events. It is closed when the client is removed
// from the hub, either by Deregister or after a failed delivery.
// Receivers must not modify the slices: all subscribers share them.
func (c *Client) Messages() <-chan []byte { return c.out }

// Done is closed when the client has been removed.
func (c *Client) Done() <-chan struct{} { return c.done }

// shut closes the outbox. Callers hold the hub lock, which also serializes
// every send, so no send can race the close.
func (c *Client) shut() {
	c.once.Do(func() {
		close(c.done)
		close(c.out)
	})
}

func (c *Client) isShut() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Hub holds the current subscriber set.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	log     *slog.Logger
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     slog.Default().With(slog.String("component", "relay")),
	}
}

// Register adds c. Registering a removed client is a no-op.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.isShut() {
		return
	}
	h.clients[c] = struct{}{}
	telemetry.SetSubscribers(len(h.clients))
	h.log.Debug("subscriber registered", slog.String("client", c.id), slog.Int("subscribers", len(h.clients)))
}

// Deregister removes c and closes its outbox. It is idempotent.
func (h *Hub) Deregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		telemetry.SetSubscribers(len(h.clients))
		h.log.Debug("subscriber removed", slog.String("client", c.id), slog.Int("subscribers", len(h.clients)))
	}
	c.shut()
}

// Broadcast offers event to every registered client and returns how many
// accepted it. A client that cannot take the event is removed.
func (h *Hub) Broadcast(event []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for c := range h.clients {
		select {
		case c.out <- event:
			delivered++
		default:
			h.log.Debug("delivery failed, dropping subscriber", slog.String("client", c.id))
			telemetry.RecordDeliveryFailure()
			h.removeLocked(c)
		}
	}
	telemetry.RecordDeliveries(delivered)
	return delivered
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close removes every client. Later registrations still work.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}
