// Package db provides the Postgres connection, schema migrations, the
// encrypted OAuth token store and round result persistence.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-vote/crypto"
)

// ProviderChzzk is the oauth_tokens key for the bot's CHZZK token.
const ProviderChzzk = "chzzk"

// ErrTokenNotFound is returned when no token row exists for a provider.
var ErrTokenNotFound = errors.New("db: oauth token not found")

// Connect opens a Postgres connection pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("db: empty DSN")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(5)
	database.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return database, nil
}

// Store wraps the database. A nil Sealer stores tokens in plaintext
// (encryption_version = 0).
type Store struct {
	DB     *sql.DB
	Sealer *crypto.Sealer
}

// NewStore returns a Store; it logs once when tokens will not be encrypted.
func NewStore(database *sql.DB, sealer *crypto.Sealer) *Store {
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
	} else {
		slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"), slog.String("key_id", sealer.KeyID()))
	}
	return &Store{DB: database, Sealer: sealer}
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// UpsertOAuthToken stores or replaces the token for provider. Tokens are
// sealed when the Store has a Sealer.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider string, tok *oauth2.Token, scope string) error {
	if tok == nil {
		return errors.New("db: nil token")
	}
	access, refresh := tok.AccessToken, tok.RefreshToken
	encVersion, keyID := 0, ""
	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion, keyID = 1, s.Sealer.KeyID()
	}
	var expiry sql.NullTime
	if !tok.Expiry.IsZero() {
		expiry = sql.NullTime{Time: tok.Expiry, Valid: true}
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, token_type, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    token_type=EXCLUDED.token_type,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err := s.DB.ExecContext(ctx, q, provider, access, refresh, tokenType, expiry, scope, encVersion, keyID)
	return err
}

// GetOAuthToken loads and, when needed, decrypts the token for provider.
// It returns ErrTokenNotFound when there is no row.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (*oauth2.Token, string, error) {
	var (
		access, refresh, tokenType, scope, keyID string
		expiry                                   sql.NullTime
		encVersion                               int
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, token_type, expires_at, scope, encryption_version, encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err := row.Scan(&access, &refresh, &tokenType, &expiry, &scope, &encVersion, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrTokenNotFound
	}
	if err != nil {
		return nil, "", err
	}

	if encVersion == 1 {
		if s.Sealer == nil {
			return nil, "", errors.New("db: token is encrypted but ENCRYPTION_KEY not configured")
		}
		if keyID != "" && keyID != s.Sealer.KeyID() {
			return nil, "", fmt.Errorf("db: token sealed with key %s, configured key is %s", keyID, s.Sealer.KeyID())
		}
		if access, err = s.Sealer.Open(access); err != nil {
			return nil, "", fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Open(refresh); err != nil {
			return nil, "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}

	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: tokenType}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	return tok, scope, nil
}

// DeleteOAuthToken removes the token row and reports whether one existed.
func (s *Store) DeleteOAuthToken(ctx context.Context, provider string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, provider)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PlaintextProviders lists providers whose token row is not encrypted.
func (s *Store) PlaintextProviders(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT provider FROM oauth_tokens WHERE encryption_version = 0 ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EncryptionStatus counts token rows per encryption_version.
func (s *Store) EncryptionStatus(ctx context.Context) (map[int]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT encryption_version, COUNT(*) FROM oauth_tokens GROUP BY encryption_version`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[int]int{}
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return nil, err
		}
		out[version] = count
	}
	return out, rows.Err()
}
