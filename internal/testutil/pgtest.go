// Package testutil provides the shared Postgres fixture for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/ticketescrow/migrations"
)

// appTables lists every table the migrations create, children first.
var appTables = []string{"processed_orders", "webhook_events", "orders", "listings"}

var (
	shared struct {
		once sync.Once
		url  string
		err  error
	}
	migrateMu sync.Mutex
)

// PGTest returns a migrated database and a cleanup func that empties the
// application tables and closes the handle.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL points at an existing database. Without it a postgres
// container is started once per test binary, unless PGTEST_SKIP_CONTAINER
// is set, in which case the test is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open("postgres", databaseURL(t))
	if err != nil {
		t.Fatalf("pgtest: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: ping: %v", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}
	truncate(ctx, t, db)

	return db, func() {
		truncate(ctx, t, db)
		_ = db.Close()
	}
}

func databaseURL(t *testing.T) string {
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		return url
	}
	if os.Getenv("PGTEST_SKIP_CONTAINER") != "" {
		t.Skip("POSTGRES_URL not set and containers disabled")
	}

	shared.once.Do(func() {
		ctx := context.Background()
		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("ticketescrow_test"),
			postgres.WithUsername("escrow"),
			postgres.WithPassword("escrow"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			shared.err = err
			return
		}
		// ryuk reaps the container when the test binary exits.
		shared.url, shared.err = ctr.ConnectionString(ctx, "sslmode=disable")
		if shared.err != nil {
			_ = testcontainers.TerminateContainer(ctr)
		}
	})
	if shared.err != nil {
		t.Skipf("pgtest: postgres container unavailable: %v", shared.err)
	}
	return shared.url
}

// migrate applies the embedded migrations. goose keeps its base FS and
// dialect in package state, so calls are serialized.
func migrate(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func truncate(ctx context.Context, t *testing.T, db *sql.DB) {
	for _, table := range appTables {
		// Table names are constants above.
		if _, err := db.ExecContext(ctx, "TRUNCATE "+table+" CASCADE"); err != nil { // #nosec G202
			t.Logf("pgtest: truncate %s: %v", table, err)
		}
	}
}
