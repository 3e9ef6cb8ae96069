package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chzzk-vote/chzzkapi"
	"github.com/onnwee/chzzk-vote/telemetry"
)

// HandleChzzkOAuthStart initiates the CHZZK OAuth flow by redirecting to the
// account authorization page.
func (h *Handlers) HandleChzzkOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.ClientID == "" || h.deps.RedirectURI == "" {
		http.Error(w, "oauth not configured (need CHZZK_CLIENT_ID + CHZZK_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	if h.deps.Tokens == nil || h.deps.OAuth == nil {
		http.Error(w, "oauth flow requires DB_DSN for token storage", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, time.Now().Add(10*time.Minute)) {
		http.Error(w, "too many pending authorizations", http.StatusServiceUnavailable)
		return
	}
	authURL, err := chzzkapi.BuildAuthorizeURL(h.deps.ClientID, h.deps.RedirectURI, h.deps.Scopes, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleChzzkOAuthCallback exchanges the authorization code and stores the tokens.
func (h *Handlers) HandleChzzkOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tokens == nil || h.deps.OAuth == nil {
		http.Error(w, "oauth flow requires DB_DSN for token storage", http.StatusBadRequest)
		return
	}
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
	ctx := r.Context()
	res, err := h.deps.OAuth.ExchangeAuthCode(ctx, code, st)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("oauth code exchange failed", slog.Any("err", err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := h.deps.Tokens.UpsertOAuthToken(ctx, h.deps.Provider, chzzkapi.ResultToOAuth2(res), res.Scope); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.LoggerWithCorr(ctx).Info("oauth token stored", slog.String("provider", h.deps.Provider))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "scope": res.Scope, "expires_in": int(res.ExpiresIn)})
}
