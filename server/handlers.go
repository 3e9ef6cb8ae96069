// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-vote/chzzkapi"
	"github.com/onnwee/chzzk-vote/config"
	"github.com/onnwee/chzzk-vote/round"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource is satisfied by *round.Orchestrator.
type StatusSource interface {
	Status() round.Status
}

// ResultLister returns persisted round results, newest first.
type ResultLister interface {
	RecentResults(ctx context.Context, limit int) ([]round.Result, error)
}

// TokenStore persists the bot's OAuth token.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (*oauth2.Token, string, error)
	UpsertOAuthToken(ctx context.Context, provider string, tok *oauth2.Token, scope string) error
	DeleteOAuthToken(ctx context.Context, provider string) (bool, error)
}

// CodeExchanger trades an authorization code for tokens.
type CodeExchanger interface {
	ExchangeAuthCode(ctx context.Context, code, state string) (*chzzkapi.TokenResult, error)
}

// Deps are the server's collaborators. Nil members disable the endpoints
// that need them.
type Deps struct {
	DB      Pinger
	Status  StatusSource
	Results ResultLister
	Tokens  TokenStore
	OAuth   CodeExchanger

	// HTTP carries admin credentials, rate limits and CORS origins. The
	// zero value leaves admin routes open without limits or CORS headers.
	HTTP config.HTTP

	// Provider is the token store key; empty means "chzzk".
	Provider    string
	ClientID    string
	RedirectURI string
	Scopes      string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	ctx        context.Context
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	if deps.Provider == "" {
		deps.Provider = "chzzk"
	}
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
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

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
// It reports false when the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was present and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
