// Package oauth keeps a persisted OAuth token fresh. A background refresher
// performs jittered checks and refreshes when expiry falls within a window;
// Source serves the stored token to API clients and refreshes on demand.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore persists one token per provider key.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (*oauth2.Token, string, error)
	UpsertOAuthToken(ctx context.Context, provider string, tok *oauth2.Token, scope string) error
}

// RefreshFunc performs the provider-specific refresh and returns the new token and scope.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, string, error)

// ErrNoRefreshToken is returned when the stored token cannot be refreshed.
var ErrNoRefreshToken = errors.New("oauth: stored token has no refresh token")

// maxPreRefreshJitter bounds the random delay before a scheduled refresh.
var maxPreRefreshJitter = 5 * time.Second

// RefreshNow loads the stored token, refreshes it through fn and persists the
// result. An empty refresh token or scope in the response keeps the stored one.
func RefreshNow(ctx context.Context, store TokenStore, provider string, fn RefreshFunc) (*oauth2.Token, error) {
	cur, scope, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	return refresh(ctx, store, provider, cur, scope, fn)
}

func refresh(ctx context.Context, store TokenStore, provider string, cur *oauth2.Token, scope string, fn RefreshFunc) (*oauth2.Token, error) {
	if cur.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, newScope, err := fn(ctx2, cur.RefreshToken)
	cancel()
	if err != nil {
		return nil, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if strings.TrimSpace(newScope) == "" {
		newScope = scope
	}
	if err := store.UpsertOAuthToken(ctx, provider, next, strings.TrimSpace(newScope)); err != nil {
		return nil, err
	}
	return next, nil
}

// refreshIfDue refreshes when the stored token expires within window. It
// reports whether a refresh happened.
func refreshIfDue(ctx context.Context, store TokenStore, provider string, window time.Duration, fn RefreshFunc) (bool, error) {
	cur, scope, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return false, err
	}
	if cur.RefreshToken == "" {
		return false, nil
	}
	// Tokens without an expiry are treated as long-lived.
	if cur.Expiry.IsZero() || time.Until(cur.Expiry) > window {
		return false, nil
	}
	// Small pre-refresh jitter to avoid stampedes when many pods see same expiry
	if maxPreRefreshJitter > 0 {
		//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
		pre := time.Duration(rand.Int63n(int64(maxPreRefreshJitter)))
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pre):
		}
	}
	if _, err := refresh(ctx, store, provider, cur, scope, fn); err != nil {
		return false, err
	}
	return true, nil
}

// StartRefresher launches a goroutine that periodically checks the stored
// token and refreshes it.
// provider: key in the token store.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter of up to 20% of interval either way.
			jitterRange := int64(interval / 5)
			nextSleep := interval
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				nextSleep += time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			refreshed, err := refreshIfDue(ctx, store, provider, window, fn)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
			case refreshed:
				slog.Info("token refreshed", slog.String("provider", provider))
			}
		}
	}()
}

// Source is an oauth2.TokenSource over a TokenStore. It returns the stored
// token while it is valid and refreshes it once it is within Skew of expiry.
type Source struct {
	Ctx      context.Context
	Store    TokenStore
	Provider string
	Refresh  RefreshFunc
	// Skew defaults to one minute.
	Skew time.Duration

	mu sync.Mutex
}

// Token implements oauth2.TokenSource.
func (s *Source) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	skew := s.Skew
	if skew <= 0 {
		skew = time.Minute
	}
	cur, scope, err := s.Store.GetOAuthToken(ctx, s.Provider)
	if err != nil {
		return nil, err
	}
	if cur.Expiry.IsZero() || time.Until(cur.Expiry) > skew {
		return cur, nil
	}
	if s.Refresh == nil {
		return nil, errors.New("oauth: stored token expired and no refresh func configured")
	}
	return refresh(ctx, s.Store, s.Provider, cur, scope, s.Refresh)
}
