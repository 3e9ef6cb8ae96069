// Package main provides a CLI tool to migrate stored OAuth tokens from
// plaintext to encrypted storage.
//
// Rows with encryption_version=0 are rewritten sealed with ENCRYPTION_KEY
// (encryption_version=1).
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/chzzk-vote/crypto"
	"github.com/onnwee/chzzk-vote/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	sealer, err := crypto.NewSealer(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		slog.Error("ENCRYPTION_KEY is required for migration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = database.Close() }()

	if err := migrateTokens(ctx, db.NewStore(database, nil), db.NewStore(database, sealer), *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := reportStatus(ctx, db.NewStore(database, sealer)); err != nil {
		slog.Warn("could not report encryption status", slog.Any("error", err))
	}
	slog.Info("migration completed successfully")
}

// migrateTokens reads every plaintext row through plain and rewrites it through sealed.
func migrateTokens(ctx context.Context, plain, sealed *db.Store, dryRun bool) error {
	providers, err := plain.PlaintextProviders(ctx)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(providers)), slog.Bool("dry_run", dryRun))

	var errs []error
	for i, provider := range providers {
		logger := slog.With(slog.String("provider", provider), slog.Int("index", i+1), slog.Int("total", len(providers)))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			continue
		}
		tok, scope, err := plain.GetOAuthToken(ctx, provider)
		if err == nil {
			err = sealed.UpsertOAuthToken(ctx, provider, tok, scope)
		}
		if err != nil {
			logger.Error("failed to migrate token", slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", provider, err))
			continue
		}
		logger.Info("migrated token successfully")
	}
	return errors.Join(errs...)
}

func reportStatus(ctx context.Context, store *db.Store) error {
	status, err := store.EncryptionStatus(ctx)
	if err != nil {
		return err
	}
	slog.Info("token encryption status",
		slog.Int("plaintext", status[0]),
		slog.Int("encrypted", status[1]),
		slog.String("key_id", store.Sealer.KeyID()))
	return nil
}
