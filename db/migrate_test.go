package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var schemaTables = []string{"oauth_tokens", "vote_rounds"}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func tableExists(t *testing.T, database *sql.DB, table string) bool {
	t.Helper()
	var exists bool
	err := database.QueryRow(`SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_name = $1
	)`, table).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table %s: %v", table, err)
	}
	return exists
}

func TestRunMigrations(t *testing.T) {
	database := openTestDB(t)
	cleanDatabase(t, context.Background(), database)

	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	for _, table := range schemaTables {
		if !tableExists(t, database, table) {
			t.Errorf("table %s does not exist after migration", table)
		}
	}

	version, dirty, err := MigrationVersion(database)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if dirty {
		t.Errorf("migration version is dirty")
	}
	if version < 1 {
		t.Errorf("migration version = %d, want >= 1", version)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	database := openTestDB(t)
	cleanDatabase(t, context.Background(), database)

	if err := RunMigrations(database); err != nil {
		t.Fatalf("first RunMigrations() error = %v", err)
	}
	v1, _, err := MigrationVersion(database)
	if err != nil {
		t.Fatal(err)
	}
	if err := RunMigrations(database); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
	v2, dirty, err := MigrationVersion(database)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 || dirty {
		t.Errorf("version changed: %d -> %d (dirty=%v)", v1, v2, dirty)
	}
}

func TestMigrationDownAll(t *testing.T) {
	database := openTestDB(t)
	cleanDatabase(t, context.Background(), database)

	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	start, _, err := MigrationVersion(database)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint(0); i < start; i++ {
		if err := MigrateDown(database); err != nil {
			t.Fatalf("MigrateDown() iteration %d error = %v", i, err)
		}
	}
	for _, table := range schemaTables {
		if tableExists(t, database, table) {
			t.Errorf("table %s still exists after rolling back all migrations", table)
		}
	}
	version, _, err := MigrationVersion(database)
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 {
		t.Errorf("version after rolling back all = %d, want 0", version)
	}

	// Re-apply so later tests in the package start from a full schema.
	if err := RunMigrations(database); err != nil {
		t.Fatalf("RunMigrations() after rollback error = %v", err)
	}
}

// cleanDatabase drops all tables and the schema_migrations table to start fresh
func cleanDatabase(t *testing.T, ctx context.Context, database *sql.DB) {
	t.Helper()
	statements := []string{
		`DROP TABLE IF EXISTS vote_rounds CASCADE`,
		`DROP TABLE IF EXISTS oauth_tokens CASCADE`,
		`DROP TABLE IF EXISTS schema_migrations CASCADE`,
	}
	for _, stmt := range statements {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			t.Logf("warning: clean database statement failed (may be expected): %v", err)
		}
	}
}
