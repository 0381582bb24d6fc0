package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-crm/syncbridge/internal/model"
)

func TestWatchdogFlagsStalledBackfill(t *testing.T) {
	store := newFakeStore()
	stale := time.Now().Add(-backfillStallLimit - time.Minute)
	require.NoError(t, store.SetState(context.Background(), model.KeySyncStatus, model.SyncStatus{
		Backfill: model.ComponentStatus{
			Status:        model.RunStatusRunning,
			LastUpdatedAt: ptrTime(stale),
		},
	}))

	w := NewWatchdog(store, testLogger())
	require.NoError(t, w.Scan(context.Background()))

	doc, err := LoadSyncStatus(context.Background(), store)
	require.NoError(t, err)
	assert.True(t, doc.Backfill.Stalled)
}

func TestWatchdogLeavesHealthyRunsAlone(t *testing.T) {
	store := newFakeStore()
	recent := time.Now().Add(-time.Minute)
	// Full sync gets 15 minutes; a 12-minute-old backfill would stall but
	// a 12-minute-old full sync would not.
	twelve := time.Now().Add(-12 * time.Minute)
	require.NoError(t, store.SetState(context.Background(), model.KeySyncStatus, model.SyncStatus{
		Backfill: model.ComponentStatus{Status: model.RunStatusRunning, LastUpdatedAt: ptrTime(recent)},
		FullSync: model.ComponentStatus{Status: model.RunStatusRunning, LastUpdatedAt: ptrTime(twelve)},
	}))

	w := NewWatchdog(store, testLogger())
	require.NoError(t, w.Scan(context.Background()))

	doc, err := LoadSyncStatus(context.Background(), store)
	require.NoError(t, err)
	assert.False(t, doc.Backfill.Stalled)
	assert.False(t, doc.FullSync.Stalled)
}

func TestWatchdogIgnoresTerminalStates(t *testing.T) {
	store := newFakeStore()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, store.SetState(context.Background(), model.KeySyncStatus, model.SyncStatus{
		Backfill: model.ComponentStatus{Status: model.RunStatusCompleted, LastUpdatedAt: ptrTime(old)},
	}))

	w := NewWatchdog(store, testLogger())
	require.NoError(t, w.Scan(context.Background()))

	doc, err := LoadSyncStatus(context.Background(), store)
	require.NoError(t, err)
	assert.False(t, doc.Backfill.Stalled)
}
