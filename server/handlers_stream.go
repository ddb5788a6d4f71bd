package server

import (
	"bytes"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/chzzk-relay/relay"
	"github.com/onnwee/chzzk-relay/telemetry"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsMaxReadBytes = 512

	sseKeepAlive = 15 * time.Second
)

// HandleWebSocket subscribes a downstream client: every relayed chat event is
// written as one text frame carrying the event JSON unchanged.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "ws"))
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		log.Debug("websocket upgrade failed", slog.Any("err", err))
		return
	}

	client := relay.NewClient(uuid.NewString(), h.cfg.SubscriberBuffer)
	h.hub.Register(client)
	log = log.With(slog.String("subscriber", client.ID()))
	log.Debug("subscriber connected", slog.String("remote_addr", r.RemoteAddr))

	// Downstream clients never send anything meaningful; reading only services
	// control frames and notices the disconnect.
	go func() {
		defer h.hub.Deregister(client)
		conn.SetReadLimit(wsMaxReadBytes)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.writeWebSocket(conn, client, log)
}

func (h *Handlers) writeWebSocket(conn *websocket.Conn, client *relay.Client, log *slog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		h.hub.Deregister(client)
		_ = conn.Close()
		log.Debug("subscriber disconnected")
	}()

	for {
		select {
		case msg, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Dropped by the hub or shutting down.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleEvents is the Server-Sent Events alternative to /ws.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "sse"))

	// The server's read/write timeouts would otherwise end the stream.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.SetReadDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := relay.NewClient(uuid.NewString(), h.cfg.SubscriberBuffer)
	h.hub.Register(client)
	defer h.hub.Deregister(client)
	log.Debug("sse subscriber connected", slog.String("subscriber", client.ID()))

	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			if _, err := w.Write(sseFrame(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sseFrame encodes msg as one SSE event, one data line per input line.
func sseFrame(msg []byte) []byte {
	var b bytes.Buffer
	for _, line := range bytes.Split(msg, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(bytes.TrimSuffix(line, []byte("\r")))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.Bytes()
}
