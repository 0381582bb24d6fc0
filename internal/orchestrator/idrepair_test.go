package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/model"
)

func newTestRepair(store *fakeStore, api *pagedAPI) (*IDRepair, *[]time.Duration) {
	r := NewIDRepair(store, api, testLogger())
	var sleeps []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return r, &sleeps
}

func TestIDRepairBindsFoundSubscribers(t *testing.T) {
	store := newFakeStore()
	api := newPagedAPI()
	store.crosswalk["a@example.com"] = &model.CrosswalkRow{Email: "a@example.com", AID: ptrI64(1)}
	store.crosswalk["b@example.com"] = &model.CrosswalkRow{Email: "b@example.com", AID: ptrI64(2)}
	api.add(model.Subscriber{ID: "b-a", Email: "a@example.com", Fields: model.Fields{}})

	r, sleeps := newTestRepair(store, api)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.RecordsUpdated)
	assert.Zero(t, res.Errors)
	require.NotNil(t, store.crosswalk["a@example.com"].BID)
	assert.Equal(t, "b-a", *store.crosswalk["a@example.com"].BID)
	// b@example.com is absent on the B side: neither bound nor an error.
	assert.Nil(t, store.crosswalk["b@example.com"].BID)
	assert.Contains(t, res.Message, "repaired 1 of 2")

	// One pacing sleep between the two requests, none before the first.
	assert.Equal(t, []time.Duration{repairSpacing}, *sleeps)
}

func TestIDRepairCountsRateLimitAsError(t *testing.T) {
	store := newFakeStore()
	api := newPagedAPI()
	store.crosswalk["limited@example.com"] = &model.CrosswalkRow{Email: "limited@example.com", AID: ptrI64(1)}
	api.emailErr["limited@example.com"] = &mailerlite.APIError{Kind: mailerlite.KindRateLimited, StatusCode: 429}

	r, sleeps := newTestRepair(store, api)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	// A 429 is charged as an error and backs off; no retry in this chunk.
	assert.Equal(t, 1, res.Errors)
	assert.Zero(t, res.RecordsUpdated)
	assert.Nil(t, store.crosswalk["limited@example.com"].BID)
	assert.Equal(t, []time.Duration{repairRateLimWait}, *sleeps)
}

func TestIDRepairEmptyChunk(t *testing.T) {
	r, _ := newTestRepair(newFakeStore(), newPagedAPI())
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.RecordsUpdated)
	assert.Contains(t, res.Message, "no crosswalk rows")
}
