package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/storage"
)

// Component names inside the consolidated sync_status document.
const (
	ComponentBackfill        = "backfill"
	ComponentFullSync        = "fullSync"
	ComponentIncrementalSync = "incrementalSync"
)

// LoadSyncStatus reads the sync_status document, treating a missing key as
// an empty document.
func LoadSyncStatus(ctx context.Context, st StateStore) (model.SyncStatus, error) {
	var doc model.SyncStatus
	if err := st.GetState(ctx, model.KeySyncStatus, &doc); err != nil {
		if isNotFound(err) {
			return model.SyncStatus{}, nil
		}
		return model.SyncStatus{}, fmt.Errorf("orchestrator: load sync status: %w", err)
	}
	return doc, nil
}

// updateSyncStatus applies fn to the current document and writes it back.
// Orchestrators call this between chunks, never inside a record transaction.
func updateSyncStatus(ctx context.Context, st StateStore, fn func(*model.SyncStatus)) error {
	doc, err := LoadSyncStatus(ctx, st)
	if err != nil {
		return err
	}
	fn(&doc)
	if err := st.SetState(ctx, model.KeySyncStatus, doc); err != nil {
		return fmt.Errorf("orchestrator: save sync status: %w", err)
	}
	return nil
}

func component(doc *model.SyncStatus, name string) *model.ComponentStatus {
	switch name {
	case ComponentBackfill:
		return &doc.Backfill
	case ComponentFullSync:
		return &doc.FullSync
	case ComponentIncrementalSync:
		return &doc.IncrementalSync
	default:
		return nil
	}
}

// SetPaused flips the operator pause flag for one component. Orchestrators
// poll the flag between chunks and exit clean when it is set.
func SetPaused(ctx context.Context, st StateStore, name string, paused bool) error {
	return updateSyncStatus(ctx, st, func(doc *model.SyncStatus) {
		if c := component(doc, name); c != nil {
			c.Paused = paused
		}
	})
}

// componentPaused reads the pause flag without mutating the document.
func componentPaused(ctx context.Context, st StateStore, name string) (bool, error) {
	doc, err := LoadSyncStatus(ctx, st)
	if err != nil {
		return false, err
	}
	if c := component(&doc, name); c != nil {
		return c.Paused, nil
	}
	return false, nil
}

// markRunning stamps a component as actively progressing.
func markRunning(ctx context.Context, st StateStore, name string, processed, errs int) error {
	now := time.Now()
	return updateSyncStatus(ctx, st, func(doc *model.SyncStatus) {
		c := component(doc, name)
		if c == nil {
			return
		}
		c.Status = model.RunStatusRunning
		c.Stalled = false
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
		c.LastUpdatedAt = &now
		c.RecordsProcessed += processed
		c.Errors += errs
	})
}

// markFinished stamps a component terminal and folds the run into the
// cumulative statistics and the last-sync summary.
func markFinished(ctx context.Context, st StateStore, name, status string, last *model.LastSyncInfo, stats model.SyncStatistics) error {
	now := time.Now()
	return updateSyncStatus(ctx, st, func(doc *model.SyncStatus) {
		c := component(doc, name)
		if c == nil {
			return
		}
		c.Status = status
		c.Stalled = false
		c.LastUpdatedAt = &now
		c.StartedAt = nil
		if last != nil {
			doc.LastSync = last
		}
		doc.Statistics.RecordsProcessed += stats.RecordsProcessed
		doc.Statistics.UpdatesApplied += stats.UpdatesApplied
		doc.Statistics.ConflictsDetected += stats.ConflictsDetected
		doc.Statistics.Errors += stats.Errors
	})
}

func isNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }
