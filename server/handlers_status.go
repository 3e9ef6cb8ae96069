package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chzzk-vote/db"
	"github.com/onnwee/chzzk-vote/telemetry"
)

// HandleStatus returns the orchestrator's current round snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Status == nil {
		http.Error(w, "vote loop not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Status.Status())
}

// HandleRounds lists persisted round results, newest first (?limit=N, default 20).
func (h *Handlers) HandleRounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Results == nil {
		http.Error(w, "round history requires DB_DSN", http.StatusNotFound)
		return
	}
	limit := parseIntQuery(r, "limit", 20)
	if limit < 1 || limit > 200 {
		limit = 20
	}
	results, err := h.deps.Results.RecentResults(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list rounds failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "failed to list rounds", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": results, "count": len(results)})
}

// tokenInfo describes the stored token without exposing secrets.
type tokenInfo struct {
	Provider        string     `json:"provider"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Expired         bool       `json:"expired"`
	Scope           string     `json:"scope,omitempty"`
}

// HandleAdminToken reports (GET) or deletes (DELETE) the stored bot token.
func (h *Handlers) HandleAdminToken(w http.ResponseWriter, r *http.Request) {
	if h.deps.Tokens == nil {
		http.Error(w, "token storage requires DB_DSN", http.StatusNotFound)
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		tok, scope, err := h.deps.Tokens.GetOAuthToken(ctx, h.deps.Provider)
		if errors.Is(err, db.ErrTokenNotFound) {
			http.Error(w, "no token stored", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		info := tokenInfo{Provider: h.deps.Provider, HasRefreshToken: tok.RefreshToken != "", Scope: scope}
		if !tok.Expiry.IsZero() {
			exp := tok.Expiry
			info.ExpiresAt = &exp
			info.Expired = time.Now().After(exp)
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		deleted, err := h.deps.Tokens.DeleteOAuthToken(ctx, h.deps.Provider)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !deleted {
			http.Error(w, "no token stored", http.StatusNotFound)
			return
		}
		telemetry.LoggerWithCorr(ctx).Info("oauth token deleted", slog.String("provider", h.deps.Provider))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
