// Package sync implements the per-record reconciliation executor and the
// conflict resolution round-trip. It is the only writer of crosswalk and
// shadow rows and the only component that mutates managed fields on either
// side.
package sync

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/storage"
)

// Store is the record-scoped persistence surface the executor needs.
// storage.DB and its transaction-scoped view both satisfy it; tests use
// in-memory fakes.
type Store interface {
	GetCrosswalk(ctx context.Context, email string) (*model.CrosswalkRow, error)
	UpsertCrosswalk(ctx context.Context, email string, aID *int64, bID *string) error
	SetCrosswalkBID(ctx context.Context, email string, bID string) error
	ClearCrosswalkBID(ctx context.Context, email string) error

	GetShadow(ctx context.Context, email string) (*model.ShadowRow, error)
	UpsertShadow(ctx context.Context, email string, snap model.Snapshot, validationStatus string) error
	TouchShadow(ctx context.Context, email string) error

	GetClientByEmail(ctx context.Context, email string) (*model.Client, error)
	CreateClient(ctx context.Context, c model.Client) (int64, error)
	UpdateClientFields(ctx context.Context, email string, fields model.Fields) error

	InsertPendingConflict(ctx context.Context, c model.ConflictRow) (bool, error)
	GetConflict(ctx context.Context, id uuid.UUID) (*model.ConflictRow, error)
	MarkConflictResolved(ctx context.Context, id uuid.UUID, value model.FieldValue, at time.Time) error

	AppendSyncLog(ctx context.Context, e model.SyncLogEntry) error
}

// Locker serializes reconciliations per email. The callback receives a
// store whose writes share the lock's transaction scope.
type Locker interface {
	WithRecordLock(ctx context.Context, email string, fn func(ctx context.Context, s Store) error) error
}

// dbLocker adapts storage.DB's transaction-scoped lock to the Locker
// interface.
type dbLocker struct {
	db *storage.DB
}

// NewLocker wraps a storage.DB as a Locker.
func NewLocker(db *storage.DB) Locker {
	return dbLocker{db: db}
}

func (l dbLocker) WithRecordLock(ctx context.Context, email string, fn func(ctx context.Context, s Store) error) error {
	return l.db.WithRecordLock(ctx, email, func(ctx context.Context, tx *storage.TxStore) error {
		return fn(ctx, tx)
	})
}
