package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxis-crm/syncbridge/internal/mailerlite"
)

const (
	repairChunk       = 100
	repairSpacing     = 500 * time.Millisecond
	repairRateLimWait = 10 * time.Second
)

// IDRepair rebinds crosswalk rows that lost their MailerLite id, one search
// lookup per row. The search endpoint has stricter internal limits than the
// rest of the API, so requests are spaced instead of bursted and a 429 is
// charged as an error rather than retried.
type IDRepair struct {
	store  Store
	api    mailerlite.API
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// IDRepairResult is the invocation summary.
type IDRepairResult struct {
	RecordsUpdated int    `json:"recordsUpdated"`
	Errors         int    `json:"errors"`
	Message        string `json:"message"`
}

// NewIDRepair builds an IDRepair. api should be configured without internal
// retries so a 429 surfaces immediately.
func NewIDRepair(store Store, api mailerlite.API, logger *slog.Logger) *IDRepair {
	return &IDRepair{store: store, api: api, logger: logger, sleep: sleepCtx}
}

// Run processes one chunk of unmapped rows.
func (r *IDRepair) Run(ctx context.Context) (*IDRepairResult, error) {
	rows, err := r.store.PageCrosswalkMissingBID(ctx, 0, repairChunk)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: id repair: %w", err)
	}
	res := &IDRepairResult{}
	if len(rows) == 0 {
		res.Message = "no crosswalk rows need repair"
		return res, nil
	}

	for i, row := range rows {
		if i > 0 {
			if err := r.sleep(ctx, repairSpacing); err != nil {
				return nil, err
			}
		}
		sub, err := r.api.GetByEmail(ctx, row.Email)
		switch {
		case err == nil:
			if err := r.store.SetCrosswalkBID(ctx, row.Email, sub.ID); err != nil {
				return nil, fmt.Errorf("orchestrator: id repair: %s: %w", row.Email, err)
			}
			res.RecordsUpdated++
		case mailerlite.IsNotFound(err):
			// Not on the B side at all; the diagnostic scanner reports
			// these for cleanup.
		case mailerlite.IsRateLimited(err):
			res.Errors++
			r.logger.Warn("id repair rate limited, backing off",
				slog.String("email", row.Email))
			if err := r.sleep(ctx, repairRateLimWait); err != nil {
				return nil, err
			}
		default:
			res.Errors++
			r.logger.Warn("id repair lookup failed",
				slog.String("email", row.Email), slog.Any("error", err))
		}
	}

	res.Message = fmt.Sprintf("repaired %d of %d unmapped crosswalk rows", res.RecordsUpdated, len(rows))
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
