package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chzzk-relay/chat"
	"github.com/onnwee/chzzk-relay/oauth"
	"github.com/onnwee/chzzk-relay/telemetry"
)

// HandleAdminSession starts (POST) or ends (DELETE) the upstream session.
func (h *Handlers) HandleAdminSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.openSession(w, r)
	case http.MethodDelete:
		s := h.sessions.Current()
		if s == nil || s.State() == chat.StateClosed {
			http.Error(w, "no active session", http.StatusNotFound)
			return
		}
		s.Close()
		writeJSON(w, http.StatusOK, map[string]any{"status": "closed", "session_id": s.ID()})
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) openSession(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"))
	if err := h.cfg.ValidateSessionReady(); err != nil {
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
		return
	}

	s, err := h.sessions.Open(r.Context())
	if err != nil {
		var exErr *oauth.TokenExchangeError
		switch {
		case errors.Is(err, chat.ErrSessionActive), errors.Is(err, chat.ErrSessionClosed):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, oauth.ErrAuthenticationRequired):
			writeJSON(w, http.StatusPreconditionRequired, map[string]any{
				"status":    "authentication_required",
				"error":     err.Error(),
				"authorize": "/auth/start",
			})
		case errors.As(err, &exErr):
			log.Error("token exchange rejected", slog.Int("status", exErr.StatusCode), slog.String("body", exErr.Body))
			http.Error(w, err.Error(), http.StatusBadGateway)
		case errors.Is(err, chat.ErrSessionSetup):
			log.Error("session setup failed", slog.Any("err", err))
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			log.Error("session open failed", slog.Any("err", err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	log.Info("upstream session opened by operator", slog.String("session", s.ID()))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "opening",
		"session_id": s.ID(),
		"state":      s.State().String(),
	})
}
