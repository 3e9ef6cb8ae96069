// Command chzzk-vote runs chaos-effect votes in a CHZZK live chat.
// It:
//   - Loads configuration and the effect catalog, and initializes structured logging.
//   - Optionally connects to Postgres (DB_DSN), runs migrations, and keeps the
//     bot's OAuth token fresh in the encrypted token store.
//   - Runs vote rounds back to back until VOTE_RUNTIME is spent, writing each
//     winner to the result files and, with a database, to vote_rounds.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /rounds,
//     /metrics and the OAuth authorization endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-vote/chat"
	"github.com/onnwee/chzzk-vote/chzzkapi"
	"github.com/onnwee/chzzk-vote/config"
	"github.com/onnwee/chzzk-vote/crypto"
	"github.com/onnwee/chzzk-vote/db"
	"github.com/onnwee/chzzk-vote/oauth"
	"github.com/onnwee/chzzk-vote/results"
	"github.com/onnwee/chzzk-vote/round"
	"github.com/onnwee/chzzk-vote/server"
	"github.com/onnwee/chzzk-vote/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	catalog, err := config.LoadCatalog(cfg.CandidatesFile, cfg.WeightsFile)
	if err != nil {
		slog.Error("failed to load candidates", slog.String("file", cfg.CandidatesFile), slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateCatalog(catalog); err != nil {
		slog.Error("invalid candidate catalog", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("candidates loaded", slog.Int("count", len(catalog)), slog.Int("per_round", cfg.CandidatesPerRound))

	telemetry.Init()
	// Optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdown, err := telemetry.InitTracing("chzzk-vote", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *db.Store
	if cfg.DBDsn != "" {
		database, err := openDatabase(ctx, cfg)
		if err != nil {
			slog.Error("database setup failed", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.DB.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		store = database
	} else {
		slog.Info("DB_DSN not set, round history and token storage disabled")
	}

	oauthClient := &chzzkapi.OAuthClient{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		BaseURL:      cfg.APIBase,
	}

	var sinks results.Multi
	sinks = append(sinks, results.FileSink{Dir: cfg.ResultDir})
	srvDeps := server.Deps{
		Provider:    db.ProviderChzzk,
		ClientID:    cfg.ClientID,
		RedirectURI: cfg.RedirectURI,
		Scopes:      cfg.Scopes,
		OAuth:       oauthClient,
		HTTP:        cfg.HTTP,
	}
	if store != nil {
		sinks = append(sinks, store)
		srvDeps.DB = store
		srvDeps.Results = store
		srvDeps.Tokens = store
		go db.StartRetentionJob(ctx, store, db.LoadRetentionPolicy())
	}

	tokens, err := tokenProvider(ctx, cfg, store, oauthClient)
	if err != nil {
		slog.Error("no CHZZK credentials", slog.Any("err", err))
		os.Exit(1)
	}
	api := &chzzkapi.Client{
		BaseURL:      cfg.APIBase,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Tokens:       tokens,
	}

	orch := round.New(round.Config{
		Catalog:           catalog,
		PerRound:          cfg.CandidatesPerRound,
		Collect:           cfg.VoteDuration,
		Display:           cfg.ResultDuration,
		Cooldown:          cfg.Cooldown,
		RunBudget:         cfg.Runtime,
		Prefix:            cfg.CommandPrefix,
		FallbackChannelID: cfg.ChannelID,
		//nolint:gosec // G404: candidate selection is not security sensitive
		Rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, round.Deps{
		Streams: func(h chat.Handler) round.Stream {
			return chat.NewListener(api, h, chat.WithEIO(cfg.SocketIOEIO))
		},
		Notifier: api,
		Sink:     sinks,
	})
	srvDeps.Status = orch

	go func() {
		if err := server.Start(ctx, srvDeps, cfg.HTTP.Addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if store != nil && cfg.AccessToken == "" {
		if err := waitForToken(ctx, store); err != nil {
			slog.Info("shutting down before authorization")
			return
		}
	}

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("vote loop failed", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func openDatabase(ctx context.Context, cfg *config.Config) (*db.Store, error) {
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		sealer = s
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		_ = database.Close()
		return nil, err
	}
	return db.NewStore(database, sealer), nil
}

// tokenProvider picks the credential source: a fixed access token, the
// token store kept fresh by the background refresher, or a bare refresh
// token exchanged on demand.
func tokenProvider(ctx context.Context, cfg *config.Config, store *db.Store, oc *chzzkapi.OAuthClient) (chzzkapi.TokenProvider, error) {
	switch {
	case cfg.AccessToken != "":
		slog.Info("using CHZZK_ACCESS_TOKEN")
		return chzzkapi.StaticToken(cfg.AccessToken), nil
	case store != nil:
		if cfg.RefreshToken != "" {
			seedRefreshToken(ctx, store, cfg.RefreshToken)
		}
		oauth.StartRefresher(ctx, store, db.ProviderChzzk, 5*time.Minute, 15*time.Minute, oc.Refresh)
		src := &oauth.Source{Ctx: ctx, Store: store, Provider: db.ProviderChzzk, Refresh: oc.Refresh}
		return chzzkapi.OAuth2Tokens{Source: oauth2.ReuseTokenSource(nil, src)}, nil
	case cfg.RefreshToken != "":
		if err := cfg.ValidateOAuth(); err != nil {
			return nil, err
		}
		src := &chzzkapi.RefreshingSource{Ctx: ctx, OAuth: oc, RefreshToken: cfg.RefreshToken}
		return chzzkapi.OAuth2Tokens{Source: oauth2.ReuseTokenSource(nil, src)}, nil
	default:
		return nil, errors.New("set CHZZK_ACCESS_TOKEN, CHZZK_REFRESH_TOKEN, or DB_DSN and authorize via /auth/chzzk/start")
	}
}

// seedRefreshToken stores CHZZK_REFRESH_TOKEN as an expired token when the
// store has none, so the first API call refreshes it.
func seedRefreshToken(ctx context.Context, store *db.Store, refreshToken string) {
	if _, _, err := store.GetOAuthToken(ctx, db.ProviderChzzk); !errors.Is(err, db.ErrTokenNotFound) {
		return
	}
	tok := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	if err := store.UpsertOAuthToken(ctx, db.ProviderChzzk, tok, ""); err != nil {
		slog.Warn("failed to seed refresh token", slog.Any("err", err))
		return
	}
	slog.Info("seeded token store from CHZZK_REFRESH_TOKEN")
}

// waitForToken blocks until the token store holds a CHZZK token.
func waitForToken(ctx context.Context, store *db.Store) error {
	warned := false
	for {
		_, _, err := store.GetOAuthToken(ctx, db.ProviderChzzk)
		if err == nil {
			return nil
		}
		if !errors.Is(err, db.ErrTokenNotFound) {
			slog.Warn("token lookup failed", slog.Any("err", err))
		}
		if !warned {
			slog.Warn("no CHZZK token stored yet; authorize via /auth/chzzk/start or chzzk-token exchange")
			warned = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}
