// Command chzzk-token manages the bot's CHZZK OAuth token in Postgres.
//
// Usage:
//
//	chzzk-token authorize-url [-state S]
//	chzzk-token exchange -code C -state S
//	chzzk-token refresh
//	chzzk-token show
//	chzzk-token delete
//	chzzk-token genkey
//
// Configuration comes from the same environment as the service (.env is
// honored): CHZZK_CLIENT_ID, CHZZK_CLIENT_SECRET, CHZZK_REDIRECT_URI,
// CHZZK_SCOPES, CHZZK_API_BASE, DB_DSN and ENCRYPTION_KEY.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-vote/chzzkapi"
	"github.com/onnwee/chzzk-vote/config"
	"github.com/onnwee/chzzk-vote/crypto"
	"github.com/onnwee/chzzk-vote/db"
	"github.com/onnwee/chzzk-vote/oauth"
)

const usage = `usage: chzzk-token <authorize-url|exchange|refresh|show|delete|genkey> [flags]`

// tokenStore is the subset of *db.Store the commands need.
type tokenStore interface {
	oauth.TokenStore
	DeleteOAuthToken(ctx context.Context, provider string) (bool, error)
}

type app struct {
	cfg   *config.Config
	oauth *chzzkapi.OAuthClient
	store tokenStore
	out   io.Writer
}

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "genkey":
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "ENCRYPTION_KEY=%s\n", key)
		return err
	case "authorize-url", "exchange", "refresh", "show", "delete":
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, out: out, oauth: &chzzkapi.OAuthClient{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		BaseURL:      cfg.APIBase,
	}}
	if cmd == "authorize-url" {
		return a.authorizeURL(rest)
	}

	store, closeDB, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	a.store = store
	return a.dispatch(ctx, cmd, rest)
}

func openStore(ctx context.Context, cfg *config.Config) (*db.Store, func(), error) {
	if cfg.DBDsn == "" {
		return nil, nil, errors.New("DB_DSN is required to store tokens")
	}
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, err
		}
		sealer = s
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	return db.NewStore(database, sealer), func() { _ = database.Close() }, nil
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "exchange":
		return a.exchange(ctx, args)
	case "refresh":
		return a.refresh(ctx)
	case "show":
		return a.show(ctx)
	case "delete":
		return a.delete(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (a *app) authorizeURL(args []string) error {
	fs := flag.NewFlagSet("authorize-url", flag.ContinueOnError)
	state := fs.String("state", "", "state value (random when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *state == "" {
		b := make([]byte, 8)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		*state = hex.EncodeToString(b)
	}
	u, err := chzzkapi.BuildAuthorizeURL(a.cfg.ClientID, a.cfg.RedirectURI, a.cfg.Scopes, *state)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.out, "%s\nstate=%s\n", u, *state)
	return err
}

func (a *app) exchange(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("exchange", flag.ContinueOnError)
	code := fs.String("code", "", "authorization code from the redirect")
	state := fs.String("state", "", "state from the redirect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" {
		return errors.New("exchange: -code is required")
	}
	if err := a.cfg.ValidateOAuth(); err != nil {
		return err
	}
	res, err := a.oauth.ExchangeAuthCode(ctx, *code, *state)
	if err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	tok := chzzkapi.ResultToOAuth2(res)
	if err := a.store.UpsertOAuthToken(ctx, db.ProviderChzzk, tok, res.Scope); err != nil {
		return err
	}
	return a.describe(tok, res.Scope, "token stored")
}

func (a *app) refresh(ctx context.Context) error {
	if err := a.cfg.ValidateOAuth(); err != nil {
		return err
	}
	tok, err := oauth.RefreshNow(ctx, a.store, db.ProviderChzzk, a.oauth.Refresh)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	_, scope, err := a.store.GetOAuthToken(ctx, db.ProviderChzzk)
	if err != nil {
		return err
	}
	return a.describe(tok, scope, "token refreshed")
}

func (a *app) show(ctx context.Context) error {
	tok, scope, err := a.store.GetOAuthToken(ctx, db.ProviderChzzk)
	if err != nil {
		return err
	}
	return a.describe(tok, scope, "stored token")
}

func (a *app) delete(ctx context.Context) error {
	deleted, err := a.store.DeleteOAuthToken(ctx, db.ProviderChzzk)
	if err != nil {
		return err
	}
	if !deleted {
		_, err = fmt.Fprintln(a.out, "no token stored")
		return err
	}
	_, err = fmt.Fprintln(a.out, "token deleted")
	return err
}

func (a *app) describe(tok *oauth2.Token, scope, title string) error {
	expires := "unknown"
	if !tok.Expiry.IsZero() {
		expires = tok.Expiry.Local().Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(a.out, "%s\n  access:  %s\n  refresh: %t\n  expires: %s\n  scope:   %s\n",
		title, mask(tok.AccessToken), tok.RefreshToken != "", expires, scope)
	return err
}

// mask keeps the first six characters of a secret.
func mask(s string) string {
	if len(s) <= 6 {
		return "***"
	}
	return s[:6] + "***"
}
