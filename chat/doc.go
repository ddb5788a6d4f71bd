// Package chat runs the upstream CHZZK chat session.
//
// Client.Open requests a session descriptor from the open API, acquires the
// access credential, and opens the Socket.IO transport with reconnection
// disabled. When the platform sends the SYSTEM "connected" message the
// session stores its key and issues one chat subscription call. Every CHAT
// payload is then handed to the relay hub, in arrival order, by a single
// session goroutine.
//
// A session never reconnects. When the transport closes, the session moves to
// StateClosed and relaying stops until an operator opens a new one (see the
// POST /admin/session route). A failed subscription leaves the transport open
// in StateDegraded.
package chat
