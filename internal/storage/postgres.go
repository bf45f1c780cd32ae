// Package storage owns the connection pool and transaction plumbing shared
// by every repository in the gateway. Domain packages (wallet, job,
// delivery, ...) depend on *storage.DB but define their own tables and
// queries.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"mediagate/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

type Config struct {
	Host            string
	Port            string
	User            string
	Password        string
	DB              string
	SslMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime int
	MaxConnIdleTime int
}

// DB wraps a pooled Postgres connection and the migration bookkeeping
// needed to bring the schema up to date at boot.
type DB struct {
	pool          *pgxpool.Pool
	migrationPath string
}

func NewDB(cfg Config) (*DB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DB, cfg.SslMode)
	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		logger.Error("failed to parse connection config", zap.Error(err))
		return nil, err
	}

	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Minute
	poolCfg.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTime) * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("failed to create db connection pool", zap.Error(err))
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("database ping failed", zap.Error(err))
		return nil, err
	}

	logger.Info("database connection pool created successfully")

	return &DB{
		pool:          pool,
		migrationPath: "file://migrations",
	}, nil
}

// Pool exposes the underlying pool for repositories.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RunMigrations applies every pending migration under db.migrationPath.
func (db *DB) RunMigrations() error {
	connStr := db.pool.Config().ConnString()
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("failed to open sql.DB for migrations", zap.Error(err))
		return fmt.Errorf("open database: %w", err)
	}
	defer sqlDB.Close()

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		logger.Error("failed to create postgres migration driver", zap.Error(err))
		return fmt.Errorf("create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(db.migrationPath, "postgres", driver)
	if err != nil {
		logger.Error("failed to create migrate instance", zap.Error(err))
		return fmt.Errorf("create migrate instance: %w", err)
	}

	logger.Info("running database migrations")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply")
			return nil
		}
		logger.Error("migration failed", zap.Error(err))
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		logger.Error("failed to read migration version", zap.Error(err))
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		logger.Error("database is in dirty migration state", zap.Uint("version", version))
		return fmt.Errorf("database dirty at version %d", version)
	}

	logger.Info("migrations completed successfully", zap.Uint("version", version))
	return nil
}

func (db *DB) Close() {
	if db.pool != nil {
		logger.Info("closing database connection pool")
		db.pool.Close()
	}
}

// WithTx runs fn inside a transaction, guaranteeing rollback on any
// non-nil error or panic and commit otherwise. Transient connection
// faults are retried with exponential backoff (0.5s * 2^n, 3 tries);
// everything else bubbles up unchanged. Nested transactions are
// forbidden by convention — pass the *pgx.Tx down instead of calling
// WithTx again.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const maxTries = 3
	const baseDelay = 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxTries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
			logger.Warn("retrying transaction after transient error",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := db.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("transaction failed after %d tries: %w", maxTries, lastErr)
}

func (db *DB) runTxOnce(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	err = fn(tx)
	return err
}

// isTransient reports whether err looks like a recoverable connection
// fault (broken pool, connection reset, driver-level network blip)
// rather than a semantic failure like a constraint violation.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 - connection exception.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation, optionally matching a specific constraint name when given.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	if constraint == "" {
		return true
	}
	return pgErr.ConstraintName == constraint
}
