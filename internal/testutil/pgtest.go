// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// migrationsDir is relative to the package under test; every caller of
// PGTest lives one level below the module root (internal/<pkg>), so
// this resolves to internal/storage/migrations.
const migrationsDir = "../storage/migrations"

// PGTest spins up a disposable PostgreSQL container, applies every
// goose migration under internal/storage/migrations, and returns an
// open *sql.DB plus a cleanup func that tears the container down.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// Requires a working Docker daemon; skips via t.Skip if one is not
// reachable, so a unit-only test run is unaffected.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("clearing_core_test"),
		postgres.WithUsername("clearing"),
		postgres.WithPassword("clearing"),
	)
	if err != nil {
		t.Skipf("pgtest: docker unavailable, skipping integration test: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("pgtest: connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("pgtest: ping database: %v", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("pgtest: set goose dialect: %v", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("pgtest: apply migrations: %v", err)
	}

	cleanup := func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	}

	return db, cleanup
}
