// Package testutil provides the shared Postgres harness for
// integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	_ "github.com/lib/pq"
)

// billingTables lists every application table, dependents first so a
// single TRUNCATE clears them without FK trouble. Kept in sync with
// migrations/.
var billingTables = []string{
	"billing_transactions",
	"session_permissions",
	"streaming_sessions",
	"spending_permissions",
}

// PGTest connects to POSTGRES_URL, brings the schema up from the
// migrations/ directory, and registers a cleanup that empties the
// billing tables after the test. Skips when POSTGRES_URL is unset.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := applyMigrations(ctx, db, migrationsPath(t)); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: apply migrations: %v", err)
	}

	t.Cleanup(func() {
		stmt := "TRUNCATE " + strings.Join(billingTables, ", ") + " CASCADE"
		_, _ = db.ExecContext(ctx, stmt)
		_ = db.Close()
	})

	return db
}

// migrationsPath walks up from the test working directory until it
// finds the repo-level migrations/ directory.
func migrationsPath(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("pgtest: no migrations/ directory above the test working directory")
		}
		dir = parent
	}
}

// applyMigrations executes the Up section of every .sql file in name
// order. The schema statements are idempotent, so re-applying over an
// existing database is harmless.
func applyMigrations(ctx context.Context, db *sql.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304 -- path found by walking up from cwd, not user input
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, upSection(string(data))); err != nil {
			return fmt.Errorf("execute %s: %w", name, err)
		}
	}
	return nil
}

// upSection cuts a goose-annotated migration at its Down marker.
// Executing a whole file would apply the rollback statements too.
func upSection(sql string) string {
	if i := strings.Index(sql, "-- +goose Down"); i >= 0 {
		return sql[:i]
	}
	return sql
}
