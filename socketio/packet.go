package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect     = '0'
	sioDisconnect  = '1'
	sioEvent       = '2'
	sioAck         = '3'
	sioError       = '4'
	sioBinaryEvent = '5'
	sioBinaryAck   = '6'
)

// handshake is the Engine.IO open packet payload. Intervals are milliseconds.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
}

func (h handshake) interval() time.Duration { return time.Duration(h.PingInterval) * time.Millisecond }
func (h handshake) timeout() time.Duration  { return time.Duration(h.PingTimeout) * time.Millisecond }

func parseHandshake(frame string) (handshake, error) {
	var h handshake
	if frame == "" || frame[0] != eioOpen {
		return h, fmt.Errorf("expected open packet, got %q", truncate(frame))
	}
	if err := json.Unmarshal([]byte(frame[1:]), &h); err != nil {
		return h, fmt.Errorf("decode open packet: %w", err)
	}
	if h.PingInterval <= 0 {
		h.PingInterval = 25000
	}
	if h.PingTimeout <= 0 {
		h.PingTimeout = 20000
	}
	return h, nil
}

// packet is a decoded Socket.IO packet.
type packet struct {
	Type      byte
	Namespace string
	AckID     string
	Data      json.RawMessage
}

// parsePacket decodes the Socket.IO portion of an Engine.IO message
// (everything after the leading '4').
func parsePacket(s string) (packet, error) {
	var p packet
	if s == "" {
		return p, errors.New("empty socket.io packet")
	}
	p.Type = s[0]
	s = s[1:]
	if p.Type == sioBinaryEvent || p.Type == sioBinaryAck {
		// attachment count prefix: "<n>-"
		if i := strings.IndexByte(s, '-'); i >= 0 {
			s = s[i+1:]
		}
	}
	if strings.HasPrefix(s, "/") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			p.Namespace, s = s[:i], s[i+1:]
		} else {
			p.Namespace, s = s, ""
		}
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	p.AckID, s = s[:i], s[i:]
	if s != "" {
		p.Data = json.RawMessage(s)
	}
	return p, nil
}

// decodeEvent splits an EVENT packet's data array into its name and first
// argument. A JSON string argument is unwrapped: the platform sends its
// payloads as JSON-encoded strings.
func decodeEvent(data json.RawMessage) (Event, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return Event{}, fmt.Errorf("decode event array: %w", err)
	}
	if len(args) == 0 {
		return Event{}, errors.New("event without name")
	}
	var ev Event
	if err := json.Unmarshal(args[0], &ev.Name); err != nil {
		return Event{}, fmt.Errorf("decode event name: %w", err)
	}
	if len(args) < 2 {
		return ev, nil
	}
	arg := args[1]
	var str string
	if len(arg) > 0 && arg[0] == '"' {
		if err := json.Unmarshal(arg, &str); err != nil {
			return Event{}, fmt.Errorf("decode event argument: %w", err)
		}
		ev.Payload = json.RawMessage(str)
		return ev, nil
	}
	ev.Payload = arg
	return ev, nil
}

func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
