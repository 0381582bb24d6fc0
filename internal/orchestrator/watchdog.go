package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/praxis-crm/syncbridge/internal/model"
)

const (
	watchdogInterval      = time.Minute
	backfillStallLimit    = 10 * time.Minute
	fullSyncStallLimit    = 15 * time.Minute
	incrementalStallLimit = 15 * time.Minute
)

// Watchdog marks components that claim to be running but have stopped
// checkpointing. A stalled component keeps its checkpoint; the operator
// resumes it by re-invoking with the stored cursor.
type Watchdog struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewWatchdog builds a Watchdog.
func NewWatchdog(store Store, logger *slog.Logger) *Watchdog {
	return &Watchdog{store: store, logger: logger, now: time.Now}
}

// Run scans once a minute until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				w.logger.Error("watchdog scan failed", slog.Any("error", err))
			}
		}
	}
}

// Scan flags stalled components in the sync_status document.
func (w *Watchdog) Scan(ctx context.Context) error {
	limits := map[string]time.Duration{
		ComponentBackfill:        backfillStallLimit,
		ComponentFullSync:        fullSyncStallLimit,
		ComponentIncrementalSync: incrementalStallLimit,
	}
	var stalled []string
	err := updateSyncStatus(ctx, w.store, func(doc *model.SyncStatus) {
		for name, limit := range limits {
			c := component(doc, name)
			if c.Status != model.RunStatusRunning || c.Stalled || c.LastUpdatedAt == nil {
				continue
			}
			if w.now().Sub(*c.LastUpdatedAt) > limit {
				c.Stalled = true
				stalled = append(stalled, name)
			}
		}
	})
	if err != nil {
		return err
	}
	for _, name := range stalled {
		w.logger.Warn("sync component stalled", slog.String("component", name))
	}
	return nil
}
