package storage

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/praxis-crm/syncbridge/internal/model"
)

// TxStore is a transaction-scoped view of the store, handed to the
// WithRecordLock callback. All its writes commit or roll back together
// with the advisory lock release.
type TxStore struct {
	queries
}

// recordLockKey derives the 64-bit advisory lock key for an email.
// The "sync_" prefix keeps the namespace separate from any other advisory
// locks in the shared database.
func recordLockKey(email string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("sync_" + model.CanonicalEmail(email)))
	return int64(h.Sum64())
}

// WithRecordLock runs fn inside a transaction holding the per-email
// advisory lock. The lock is transaction-scoped (pg_advisory_xact_lock),
// so it serializes concurrent reconciliations of the same email both
// within this process and across processes sharing the database. It is
// released automatically at commit or rollback.
func (db *DB) WithRecordLock(ctx context.Context, email string, fn func(ctx context.Context, tx *TxStore) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin record tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, recordLockKey(email)); err != nil {
		return fmt.Errorf("storage: acquire record lock: %w", err)
	}

	if err := fn(ctx, &TxStore{queries{q: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit record tx: %w", err)
	}
	return nil
}
