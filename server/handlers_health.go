package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/onnwee/chzzk-relay/chat"
	"github.com/onnwee/chzzk-relay/credstore"
)

// HandleHealthz is the liveness probe. With the Postgres backend it also pings the database.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once a credential is available and chat events are flowing.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"database", func(ctx context.Context) error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(ctx)
		}},
		{"credentials", func(ctx context.Context) error {
			_, err := h.store.LoadCredential(ctx)
			if errors.Is(err, credstore.ErrNotFound) {
				if _, gerr := h.store.LoadGrant(ctx); gerr == nil {
					return nil
				}
				return fmt.Errorf("no access credential or authorization grant")
			}
			return err
		}},
		{"session", func(context.Context) error {
			s := h.sessions.Current()
			if s == nil {
				return fmt.Errorf("no upstream session")
			}
			if st := s.State(); st != chat.StateSubscribed {
				return fmt.Errorf("session %s", st)
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	State       string `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	SessionKey  string `json:"session_key,omitempty"`
	Subscribers int    `json:"subscribers"`
	Error       string `json:"error,omitempty"`
}

// HandleStatus summarizes the upstream session and downstream subscriber count.
// The session key is masked.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{State: chat.StateIdle.String(), Subscribers: h.hub.Count()}
	if s := h.sessions.Current(); s != nil {
		resp.State = s.State().String()
		resp.SessionID = s.ID()
		resp.SessionKey = chat.MaskKey(s.SessionKey())
		if err := s.Err(); err != nil {
			resp.Error = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
