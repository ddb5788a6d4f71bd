package server

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chzzk-relay/config"
	"github.com/onnwee/chzzk-relay/credstore"
	"github.com/onnwee/chzzk-relay/relay"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg      *config.Config
	store    credstore.Store
	hub      *relay.Hub
	sessions SessionManager
	db       *sql.DB

	upgrader websocket.Upgrader

	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		cfg:      deps.Config,
		store:    deps.Store,
		hub:      deps.Hub,
		sessions: deps.Sessions,
		db:       deps.DB,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The relay is read-only and unauthenticated; any page may subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stateStore: make(map[string]time.Time),
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// newOAuthState generates and records a state value valid for oauthStateTTL.
// It returns "" when the store is full.
func (h *Handlers) newOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	st := hex.EncodeToString(b)

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	// Refuse rather than grow without bound.
	if len(h.stateStore) >= maxOAuthStates {
		return "", nil
	}
	h.stateStore[st] = time.Now().Add(oauthStateTTL)
	return st, nil
}

// consumeOAuthState reports whether st is known and unexpired, and forgets it.
func (h *Handlers) consumeOAuthState(st string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[st]
	delete(h.stateStore, st)
	return ok && !time.Now().After(exp)
}
