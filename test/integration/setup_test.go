//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ehrctx/internal/platform/db"
)

// testDB holds the shared database for the integration suite.
type testDB struct {
	Pool          *pgxpool.Pool
	ConnStr       string
	MigrationsDir string
}

var globalDB *testDB

// TestMain uses INTEGRATION_DATABASE_URL when set and otherwise starts a
// throwaway Postgres container.
func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupDatabase(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres: %v\n", err)
		os.Exit(1)
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func setupDatabase(ctx context.Context) (*testDB, func(), error) {
	migrationsDir := findMigrationsDir()

	connStr := os.Getenv("INTEGRATION_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres container: %w", err)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 10, 1)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if _, err := db.NewMigrator(pool, migrationsDir, db.DefaultSchema).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	return &testDB{Pool: pool, ConnStr: connStr, MigrationsDir: migrationsDir}, func() {
		pool.Close()
		cleanup()
	}, nil
}

// findMigrationsDir locates the migrations directory relative to this file.
func findMigrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// resetPatient removes any rows left by a previous test for patientID.
func resetPatient(t *testing.T, ctx context.Context, patientID string) {
	t.Helper()
	if _, err := globalDB.Pool.Exec(ctx, `DELETE FROM ehr_patient_context WHERE patient_id = $1`, patientID); err != nil {
		t.Fatalf("reset patient %s: %v", patientID, err)
	}
}

func countRows(t *testing.T, ctx context.Context, patientID string) int {
	t.Helper()
	var n int
	if err := globalDB.Pool.QueryRow(ctx,
		`SELECT count(*) FROM ehr_patient_context WHERE patient_id = $1`, patientID).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}
