//go:build integration

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SetupTestDB connects to the local test database and runs migrations.
// Expects a Postgres instance reachable at localhost:5432 with a
// "mediagate_test" database already created.
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := Config{
		Host:            "localhost",
		Port:            "5432",
		User:            "postgres",
		Password:        "postgres",
		DB:              "mediagate_test",
		SslMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5,
		MaxConnIdleTime: 1,
	}

	db, err := NewDB(cfg)
	require.NoError(t, err, "failed to connect to test database")

	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	projectRoot := filepath.Join(dir, "..", "..")
	migrationsPath := filepath.Join(projectRoot, "migrations")
	db.migrationPath = "file://" + migrationsPath

	require.NoError(t, db.RunMigrations(), "failed to run migrations on test database")

	return db
}

// CleanupTestDB truncates every table the tests write to between
// tests; ui_state and admin_actions are left as they are.
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tables := []string{
		"free_usage",
		"free_models",
		"orphan_callbacks",
		"ledger",
		"jobs",
		"wallets",
		"processed_updates",
		"singleton_heartbeat",
		"users",
	}
	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		_, err := db.pool.Exec(ctx, query)
		require.NoError(t, err, "failed to truncate table %s", table)
	}
}
