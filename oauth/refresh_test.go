package oauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-vote/db"
	"github.com/onnwee/chzzk-vote/testutil"
)

type memStore struct {
	mu     sync.Mutex
	tokens map[string]*oauth2.Token
	scopes map[string]string
	puts   int
}

func newMemStore() *memStore {
	return &memStore{tokens: map[string]*oauth2.Token{}, scopes: map[string]string{}}
}

func (m *memStore) GetOAuthToken(_ context.Context, provider string) (*oauth2.Token, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[provider]
	if !ok {
		return nil, "", db.ErrTokenNotFound
	}
	cp := *tok
	return &cp, m.scopes[provider], nil
}

func (m *memStore) UpsertOAuthToken(_ context.Context, provider string, tok *oauth2.Token, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[provider] = &cp
	m.scopes[provider] = scope
	m.puts++
	return nil
}

func (m *memStore) get(provider string) (oauth2.Token, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tokens[provider], m.scopes[provider]
}

func init() { maxPreRefreshJitter = 0 }

func TestStartRefresherSkipsFreshToken(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertOAuthToken(context.Background(), "p", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}, "s")

	var calls atomic.Int32
	fn := func(ctx context.Context, rt string) (*oauth2.Token, string, error) {
		calls.Add(1)
		return &oauth2.Token{AccessToken: "new"}, "", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, store, "p", 20*time.Millisecond, 30*time.Minute, fn)
	<-ctx.Done()

	if calls.Load() != 0 {
		t.Error("refresh should not have been called for token that expires in 1 hour with 30 min window")
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertOAuthToken(context.Background(), "p", &oauth2.Token{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(5 * time.Minute)}, "scope1")

	done := make(chan struct{})
	var once sync.Once
	fn := func(ctx context.Context, rt string) (*oauth2.Token, string, error) {
		if rt != "old-refresh" {
			t.Errorf("refresh called with %q", rt)
		}
		defer once.Do(func() { close(done) })
		return &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: time.Now().Add(2 * time.Hour)}, "scope2", nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartRefresher(ctx, store, "p", 20*time.Millisecond, 15*time.Minute, fn)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not called")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for {
		tok, scope := store.get("p")
		if tok.AccessToken == "new-access" {
			if tok.RefreshToken != "new-refresh" || scope != "scope2" {
				t.Fatalf("stored %+v scope %q", tok, scope)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("token not persisted: %+v", tok)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartRefresherNoRefreshToken(t *testing.T) {
	store := newMemStore()
	_ = store.UpsertOAuthToken(context.Background(), "p", &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Minute)}, "")

	var calls atomic.Int32
	fn := func(ctx context.Context, rt string) (*oauth2.Token, string, error) {
		calls.Add(1)
		return &oauth2.Token{AccessToken: "x"}, "", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, store, "p", 20*time.Millisecond, 15*time.Minute, fn)
	<-ctx.Done()
	if calls.Load() != 0 {
		t.Error("refresh should not be called when refresh_token is empty")
	}
}

func TestRefreshNowPreservesRefreshTokenAndScope(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	_ = store.UpsertOAuthToken(ctx, "p", &oauth2.Token{AccessToken: "old", RefreshToken: "keep"}, "chat:read")

	tok, err := RefreshNow(ctx, store, "p", func(ctx context.Context, rt string) (*oauth2.Token, string, error) {
		return &oauth2.Token{AccessToken: "new"}, "", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if tok.RefreshToken != "keep" {
		t.Fatalf("refresh token = %q", tok.RefreshToken)
	}
	stored, scope := store.get("p")
	if stored.AccessToken != "new" || scope != "chat:read" {
		t.Fatalf("stored %+v scope %q", stored, scope)
	}
}

func TestRefreshNowErrors(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	fn := func(ctx context.Context, rt string) (*oauth2.Token, string, error) {
		return nil, "", errors.New("refresh failed")
	}
	if _, err := RefreshNow(ctx, store, "missing", fn); !errors.Is(err, db.ErrTokenNotFound) {
		t.Fatalf("missing: %v", err)
	}
	_ = store.UpsertOAuthToken(ctx, "p", &oauth2.Token{AccessToken: "a"}, "")
	if _, err := RefreshNow(ctx, store, "p", fn); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("no refresh token: %v", err)
	}
	_ = store.UpsertOAuthToken(ctx, "p", &oauth2.Token{AccessToken: "a", RefreshToken: "r"}, "")
	if _, err := RefreshNow(ctx, store, "p", fn); err == nil {
		t.Fatal("expected refresh error")
	}
	if tok, _ := store.get("p"); tok.AccessToken != "a" {
		t.Errorf("token should not have been updated on error, got %s", tok.AccessToken)
	}
}

func TestSource(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	var calls int
	src := &Source{Store: store, Provider: "p", Refresh: func(ctx context.Context, rt string) (*oauth2.Token, string, error) {
		calls++
		return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}, "", nil
	}}

	_ = store.UpsertOAuthToken(ctx, "p", &oauth2.Token{AccessToken: "valid", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}, "")
	tok, err := src.Token()
	if err != nil || tok.AccessToken != "valid" || calls != 0 {
		t.Fatalf("valid token: %v %v calls=%d", tok, err, calls)
	}

	_ = store.UpsertOAuthToken(ctx, "p", &oauth2.Token{AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(10 * time.Second)}, "")
	tok, err = src.Token()
	if err != nil || tok.AccessToken != "fresh" || calls != 1 {
		t.Fatalf("expired token: %v %v calls=%d", tok, err, calls)
	}
	if stored, _ := store.get("p"); stored.AccessToken != "fresh" || stored.RefreshToken != "r" {
		t.Fatalf("stored %+v", stored)
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, store, "p", time.Second, 15*time.Minute, func(ctx context.Context, rt string) (*oauth2.Token, string, error) {
		return &oauth2.Token{}, "", nil
	})
	cancel()
	// If we get here without hanging, cancellation works
	time.Sleep(20 * time.Millisecond)
}

func TestRefreshNowPostgres(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := db.NewStore(database, nil)
	ctx := context.Background()
	if err := store.UpsertOAuthToken(ctx, db.ProviderChzzk, &oauth2.Token{AccessToken: "old", RefreshToken: "rt", Expiry: time.Now().Add(time.Minute)}, "chat:read"); err != nil {
		t.Fatal(err)
	}
	_, err := RefreshNow(ctx, store, db.ProviderChzzk, func(ctx context.Context, rt string) (*oauth2.Token, string, error) {
		return &oauth2.Token{AccessToken: "new", RefreshToken: "rt2", Expiry: time.Now().Add(time.Hour)}, "", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	tok, scope, err := store.GetOAuthToken(ctx, db.ProviderChzzk)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "new" || tok.RefreshToken != "rt2" || scope != "chat:read" {
		t.Fatalf("got %+v scope %q", tok, scope)
	}
}
