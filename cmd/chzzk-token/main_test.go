package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-vote/chzzkapi"
	"github.com/onnwee/chzzk-vote/config"
	"github.com/onnwee/chzzk-vote/crypto"
	"github.com/onnwee/chzzk-vote/db"
	"github.com/onnwee/chzzk-vote/testutil"
)

type memStore struct {
	mu    sync.Mutex
	tok   *oauth2.Token
	scope string
}

func (m *memStore) GetOAuthToken(context.Context, string) (*oauth2.Token, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tok == nil {
		return nil, "", db.ErrTokenNotFound
	}
	cp := *m.tok
	return &cp, m.scope, nil
}

func (m *memStore) UpsertOAuthToken(_ context.Context, _ string, tok *oauth2.Token, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tok, m.scope = &cp, scope
	return nil
}

func (m *memStore) DeleteOAuthToken(context.Context, string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	had := m.tok != nil
	m.tok = nil
	return had, nil
}

func newTestApp(t *testing.T, mockURL string) (*app, *memStore, *bytes.Buffer) {
	t.Helper()
	store := &memStore{}
	out := &bytes.Buffer{}
	cfg := &config.Config{ClientID: "cid", ClientSecret: "secret", RedirectURI: "http://localhost/cb", Scopes: "chat:read", APIBase: mockURL}
	return &app{
		cfg:   cfg,
		oauth: &chzzkapi.OAuthClient{ClientID: cfg.ClientID, ClientSecret: cfg.ClientSecret, RedirectURI: cfg.RedirectURI, BaseURL: mockURL},
		store: store,
		out:   out,
	}, store, out
}

func TestRunGenkey(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"genkey"}, &out); err != nil {
		t.Fatal(err)
	}
	key := strings.TrimPrefix(strings.TrimSpace(out.String()), "ENCRYPTION_KEY=")
	if _, err := crypto.NewSealer(key); err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}
}

func TestRunUsage(t *testing.T) {
	if err := run(context.Background(), nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected usage error")
	}
	if err := run(context.Background(), []string{"bogus"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestRunAuthorizeURL(t *testing.T) {
	t.Setenv("CHZZK_CLIENT_ID", "cid")
	t.Setenv("CHZZK_REDIRECT_URI", "http://localhost:8080/auth/chzzk/callback")
	var out bytes.Buffer
	if err := run(context.Background(), []string{"authorize-url", "-state", "xyz"}, &out); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "clientId=cid") || !strings.Contains(got, "state=xyz") {
		t.Fatalf("output = %q", got)
	}
}

func TestRunRequiresDatabase(t *testing.T) {
	t.Setenv("DB_DSN", "")
	if err := run(context.Background(), []string{"show"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected DB_DSN error")
	}
}

func TestExchangeRefreshShowDelete(t *testing.T) {
	mock := testutil.NewMockChzzkServer(t)
	bodies := make(chan map[string]string, 1)
	mock.MockTokenResponse("access-123456", "refresh-1", 3600, bodies)
	a, store, out := newTestApp(t, mock.URL)
	ctx := context.Background()

	if err := a.exchange(ctx, []string{"-code", "abc", "-state", "st"}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if b := <-bodies; b["grantType"] != "authorization_code" || b["code"] != "abc" {
		t.Fatalf("exchange body = %v", b)
	}
	if store.tok == nil || store.tok.AccessToken != "access-123456" {
		t.Fatalf("stored = %+v", store.tok)
	}
	if strings.Contains(out.String(), "access-123456") {
		t.Fatal("output leaks the access token")
	}

	// Refresh responses without a refresh token keep the stored one.
	mock.MockTokenResponse("access-2", "", 3600, bodies)
	if err := a.refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if b := <-bodies; b["grantType"] != "refresh_token" || b["refreshToken"] != "refresh-1" {
		t.Fatalf("refresh body = %v", b)
	}
	if store.tok.AccessToken != "access-2" || store.tok.RefreshToken != "refresh-1" {
		t.Fatalf("after refresh = %+v", store.tok)
	}
	if time.Until(store.tok.Expiry) < 50*time.Minute {
		t.Fatalf("expiry = %v", store.tok.Expiry)
	}

	out.Reset()
	if err := a.show(ctx); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "refresh: true") {
		t.Fatalf("show output = %q", out.String())
	}

	out.Reset()
	if err := a.delete(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.delete(ctx); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "token deleted\nno token stored\n" {
		t.Fatalf("delete output = %q", got)
	}
}

func TestExchangeRequiresCode(t *testing.T) {
	a, _, _ := newTestApp(t, "http://127.0.0.1:1")
	if err := a.exchange(context.Background(), nil); err == nil {
		t.Fatal("expected error without -code")
	}
}

func TestMask(t *testing.T) {
	if mask("abc") != "***" || mask("abcdefgh") != "abcdef***" {
		t.Fatal("mask mismatch")
	}
}
