package chat

// State is the lifecycle of one upstream session.
//
//	Idle -> Connecting -> AwaitingSessionKey -> Subscribed -> Closed
//	                                         \-> Degraded  -> Closed
//
// Connecting and AwaitingSessionKey may also move straight to Closed. A
// closed session is never reopened; Client.Open starts a new one.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingSessionKey
	StateSubscribed
	// StateDegraded: the transport is up and the key is held, but the chat
	// subscription call failed, so no chat events will arrive.
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingSessionKey:
		return "awaiting_session_key"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
