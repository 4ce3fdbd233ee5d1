package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/davidmoltin/bizflow/pkg/database"
	"github.com/davidmoltin/bizflow/pkg/logger"
)

// AdminURLEnv names the variable holding a superuser connection URL.
// Database tests are skipped when it is unset.
const AdminURLEnv = "BIZFLOW_TEST_DATABASE_URL"

// TestDB represents a throwaway, migrated test database
type TestDB struct {
	Pool   *pgxpool.Pool
	DB     *sql.DB
	DBName string
	t      *testing.T
}

// SetupTestDB creates and migrates a fresh database. It is dropped when
// the test finishes.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	adminURL := os.Getenv(AdminURLEnv)
	if adminURL == "" {
		t.Skipf("%s not set", AdminURLEnv)
	}

	ctx := context.Background()
	dbName := "bizflow_test_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	adminDB, err := sql.Open("pgx", adminURL)
	require.NoError(t, err, "Failed to connect to admin database")
	defer adminDB.Close()

	_, err = adminDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err, "Failed to create test database")

	config, err := pgxpool.ParseConfig(adminURL)
	require.NoError(t, err, "Failed to parse connection string")
	config.ConnConfig.Database = dbName

	pool, err := pgxpool.NewWithConfig(ctx, config)
	require.NoError(t, err, "Failed to connect to test database")

	db := &TestDB{
		Pool:   pool,
		DB:     stdlib.OpenDB(*config.ConnConfig),
		DBName: dbName,
		t:      t,
	}
	t.Cleanup(func() { db.teardown(adminURL) })

	require.NoError(t, database.Migrate(db.DB, logger.NewNop()), "Failed to run migrations")
	return db
}

// Wrap returns the database behind the circuit breaker used in production
func (db *TestDB) Wrap() *database.PostgresDB {
	return database.Wrap(db.DB, logger.NewNop(), nil)
}

// Truncate empties the given tables
func (db *TestDB) Truncate(tables ...string) {
	db.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := db.Pool.Exec(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE")
	require.NoError(db.t, err)
}

func (db *TestDB) teardown(adminURL string) {
	if db.DB != nil {
		db.DB.Close()
	}
	if db.Pool != nil {
		db.Pool.Close()
	}

	adminDB, err := sql.Open("pgx", adminURL)
	if err != nil {
		db.t.Logf("Failed to connect to admin database: %v", err)
		return
	}
	defer adminDB.Close()

	if _, err := adminDB.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", db.DBName)); err != nil {
		db.t.Logf("Failed to drop test database: %v", err)
	}
}

// Context returns a context cancelled at test cleanup
func Context(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	return ctx
}
