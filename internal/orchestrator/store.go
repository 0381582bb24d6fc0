// Package orchestrator contains the chunked, resumable batch drivers that
// sit on top of the record executor: backfill, bidirectional sync, id
// repair, the diagnostic scanner, and the stall watchdog. Each driver
// processes bounded chunks, checkpoints progress in sync_state, and returns
// a resume point instead of running unbounded.
package orchestrator

import (
	"context"

	"github.com/praxis-crm/syncbridge/internal/model"
	recsync "github.com/praxis-crm/syncbridge/internal/sync"
)

// StateStore is the sync_state KV slice of the persistence surface. The
// status helpers and the HTTP pause/resume handlers need only this much.
type StateStore interface {
	SetState(ctx context.Context, key string, value any) error
	GetState(ctx context.Context, key string, out any) error
	DeleteState(ctx context.Context, key string) error
}

// Store is the pool-backed persistence surface the orchestrators share.
// storage.DB satisfies it.
type Store interface {
	StateStore

	CountClients(ctx context.Context) (int, error)
	PageClients(ctx context.Context, offset, limit int) ([]model.Client, error)
	GetClientByEmail(ctx context.Context, email string) (*model.Client, error)

	UpsertCrosswalk(ctx context.Context, email string, aID *int64, bID *string) error
	SetCrosswalkBID(ctx context.Context, email string, bID string) error
	CountCrosswalkWithAID(ctx context.Context) (int, error)
	CountCrosswalkPairs(ctx context.Context) (int, error)
	PageCrosswalkMissingBID(ctx context.Context, offset, limit int) ([]model.CrosswalkRow, error)
	PageCrosswalkWithoutShadow(ctx context.Context, offset, limit int) ([]model.CrosswalkRow, error)
	PageCrosswalkPairsWithoutShadow(ctx context.Context, offset, limit int) ([]model.CrosswalkRow, error)

	CountShadows(ctx context.Context) (int, error)
	UpsertShadows(ctx context.Context, rows []model.ShadowRow) error
}

// RecordSyncer is the per-record entry point the loops drive. The executor
// in the sync package is the production implementation.
type RecordSyncer interface {
	SyncRecord(ctx context.Context, email string, opts recsync.Options) (*recsync.Outcome, error)
}
