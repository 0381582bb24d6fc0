package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/telemetry"
)

// StateWriter persists the rate-limit snapshot for operator dashboards.
// Implemented by the storage layer's sync_state table.
type StateWriter interface {
	SetState(ctx context.Context, key string, value any) error
}

// Snapshot captures the current bucket state.
func (b *Bucket) Snapshot() model.RateLimitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.refill(now)
	b.trimRecent(now)
	return model.RateLimitStatus{
		TokensAvailable:      b.tokens,
		RequestsInLastMinute: len(b.recent),
		UtilizationPercent:   float64(len(b.recent)) / b.capacity * 100,
		Timestamp:            now.UTC(),
	}
}

// SnapshotWriter periodically persists the bucket snapshot to sync_state
// under model.KeyRateLimitStatus.
type SnapshotWriter struct {
	bucket   *Bucket
	state    StateWriter
	logger   *slog.Logger
	interval time.Duration
}

// NewSnapshotWriter creates a writer. A non-positive interval falls back
// to the standard 5 s cadence.
func NewSnapshotWriter(bucket *Bucket, state StateWriter, logger *slog.Logger, interval time.Duration) *SnapshotWriter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w := &SnapshotWriter{bucket: bucket, state: state, logger: logger, interval: interval}
	w.registerMetrics()
	return w
}

// Run persists snapshots until ctx is cancelled. Intended to be started
// at service init in an errgroup.
func (w *SnapshotWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := w.bucket.Snapshot()
			writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := w.state.SetState(writeCtx, model.KeyRateLimitStatus, snap); err != nil {
				w.logger.Warn("ratelimit: persist snapshot", "error", err)
			}
			cancel()
		}
	}
}

func (w *SnapshotWriter) registerMetrics() {
	meter := telemetry.Meter("syncbridge/ratelimit")

	_, _ = meter.Float64ObservableGauge("syncbridge.ratelimit.tokens_available",
		metric.WithDescription("Fractional tokens available in the MailerLite bucket"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(w.bucket.Available())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("syncbridge.ratelimit.requests_last_minute",
		metric.WithDescription("MailerLite requests granted in the trailing minute"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.bucket.RequestsInLastMinute()))
			return nil
		}),
	)
}
