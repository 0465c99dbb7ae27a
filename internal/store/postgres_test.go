package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres returns a DSN for a throwaway Postgres 16. TEST_POSTGRES_DSN
// points the test at an existing database instead.
func startPostgres(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("skipping postgres container in -short mode")
	}

	ctx := context.Background()
	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("trades"),
		postgres.WithUsername("trades"),
		postgres.WithPassword("trades"),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

func connect(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	// The container reports ready before the server accepts connections.
	deadline := time.Now().Add(30 * time.Second)
	for {
		err := pool.Ping(ctx)
		if err == nil {
			return pool
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not reachable: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func TestPostgresStore(t *testing.T) {
	pool := connect(t, startPostgres(t))
	ctx := context.Background()

	pg := NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// A second run must be a no-op.
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	testStore(t, pg)
}
