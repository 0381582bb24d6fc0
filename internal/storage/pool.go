// Package storage provides the PostgreSQL storage layer for syncbridge.
//
// It manages connection pooling via pgxpool, the forward-only migration
// runner, and query methods for the sync-core tables: clients (the managed
// projection of the customer table), crosswalk, shadows, conflicts,
// sync_log, and the sync_state key/value table.
//
// All record-scoped mutations run inside WithRecordLock, which opens a
// transaction and takes the per-email advisory lock before invoking the
// caller's function with a transaction-scoped store.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the query surface shared by *pgxpool.Pool and pgx.Tx, so the
// same store methods serve both pool-level and transaction-scoped access.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements the store methods over a querier.
type queries struct {
	q querier
}

// DB wraps a pgxpool.Pool and exposes the store methods.
type DB struct {
	queries
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{
		queries: queries{q: pool},
		pool:    pool,
		logger:  logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
