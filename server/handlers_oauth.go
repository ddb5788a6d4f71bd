package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/chzzk-relay/chzzkapi"
	"github.com/onnwee/chzzk-relay/credstore"
	"github.com/onnwee/chzzk-relay/telemetry"
)

// HandleOAuthStart redirects the operator to the CHZZK account-interlock page.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ValidateAuthFlowReady(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, err := h.newOAuthState()
	if err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	if st == "" {
		http.Error(w, "too many pending authorization requests", http.StatusServiceUnavailable)
		return
	}
	authURL, err := chzzkapi.BuildAuthorizeURL(h.cfg.AuthorizeURL, h.cfg.ClientID, h.cfg.RedirectURI, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleOAuthCallback validates state and records the authorization grant for
// the token service to exchange on the next session start.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "oauth_callback"))
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if err := h.store.SaveGrant(r.Context(), credstore.AuthorizationGrant{Code: code, State: st}); err != nil {
		log.Error("failed to save authorization grant", slog.Any("err", err))
		http.Error(w, "failed to save authorization grant", http.StatusInternalServerError)
		return
	}
	log.Info("authorization grant saved")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "Authorization saved. Restart the relay or POST /admin/session to start the chat session.",
	})
}
