// Package testutil starts a Postgres testcontainer with the job schema applied.
package testutil

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/cuongbtq/archive-jobs/migrations"
)

// NewTestDB starts a Postgres container, applies all migrations and returns a
// connected *sqlx.DB. The container and connection are released through
// t.Cleanup. The test is skipped under -short or when no container runtime
// is reachable.
func NewTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("jobs_test"),
		tcpostgres.WithUsername("jobs_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := migrations.Up(db.DB); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return db
}

// Reset empties the job tables so that tests sharing one container start clean.
func Reset(t *testing.T, db *sqlx.DB) {
	t.Helper()
	if _, err := db.Exec(`TRUNCATE jobs, job_dead_letter RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate job tables: %v", err)
	}
}
