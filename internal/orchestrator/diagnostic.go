package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/model"
)

const (
	diagnosticDefaultBatch = 100
	diagnosticSampleCap    = 10
)

// Diagnostic statuses beyond the subscriber taxonomy.
const (
	DiagNotFound    = "not_found"
	DiagRateLimited = "rate_limited"
	DiagError       = "error"
	DiagSpam        = "spam"
)

// DiagnosticParams scope one scan window.
type DiagnosticParams struct {
	BatchSize int
	Offset    int
}

// DiagnosticEntry is one classified shadow-less crosswalk row.
type DiagnosticEntry struct {
	Email  string `json:"email"`
	Status string `json:"status"`
	HasBID bool   `json:"hasBId"`
}

// DiagnosticResult is the scan summary returned to the caller. The same
// breakdown, with capped per-category samples, is persisted for the
// operator UI.
type DiagnosticResult struct {
	Batch           int               `json:"batch"`
	Summary         map[string]int    `json:"summary"`
	Results         []DiagnosticEntry `json:"results"`
	Recommendations string            `json:"recommendations"`
}

// Diagnostic explains why crosswalk rows are stuck without shadows by
// classifying each against the live MailerLite state.
type Diagnostic struct {
	store  Store
	api    mailerlite.API
	logger *slog.Logger
	now    func() time.Time
}

// NewDiagnostic builds a Diagnostic scanner.
func NewDiagnostic(store Store, api mailerlite.API, logger *slog.Logger) *Diagnostic {
	return &Diagnostic{store: store, api: api, logger: logger, now: time.Now}
}

// Run classifies one window of shadow-less crosswalk rows and persists the
// breakdown under the well-known state key.
func (d *Diagnostic) Run(ctx context.Context, params DiagnosticParams) (*DiagnosticResult, error) {
	if params.BatchSize <= 0 {
		params.BatchSize = diagnosticDefaultBatch
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	rows, err := d.store.PageCrosswalkWithoutShadow(ctx, params.Offset, params.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: diagnostic: %w", err)
	}

	res := &DiagnosticResult{
		Batch:   len(rows),
		Summary: map[string]int{},
		Results: make([]DiagnosticEntry, 0, len(rows)),
	}
	samples := map[string][]string{}

	for _, row := range rows {
		status := d.classify(ctx, row)
		res.Summary[status]++
		res.Results = append(res.Results, DiagnosticEntry{
			Email:  row.Email,
			Status: status,
			HasBID: row.BID != nil,
		})
		if len(samples[status]) < diagnosticSampleCap {
			samples[status] = append(samples[status], row.Email)
		}
	}
	res.Recommendations = recommendations(res.Summary)

	breakdown := model.DiagnosticBreakdown{
		Batch:           len(rows),
		Total:           len(rows),
		Counts:          res.Summary,
		Samples:         samples,
		Recommendations: res.Recommendations,
		GeneratedAt:     d.now(),
	}
	if err := d.store.SetState(ctx, model.KeyIncompleteBreakdown, breakdown); err != nil {
		return nil, fmt.Errorf("orchestrator: diagnostic: persist breakdown: %w", err)
	}

	d.logger.Info("diagnostic scan completed",
		slog.Int("batch", len(rows)),
		slog.Any("summary", res.Summary))
	return res, nil
}

func (d *Diagnostic) classify(ctx context.Context, row model.CrosswalkRow) string {
	var sub *model.Subscriber
	var err error
	if row.BID != nil {
		sub, err = d.api.GetByID(ctx, *row.BID)
	} else {
		sub, err = d.api.GetByEmail(ctx, row.Email)
	}
	switch {
	case err == nil:
		return subscriberStatusLabel(sub.Status)
	case mailerlite.IsNotFound(err):
		return DiagNotFound
	case mailerlite.IsRateLimited(err):
		return DiagRateLimited
	default:
		return DiagError
	}
}

// subscriberStatusLabel folds the subscriber taxonomy into the diagnostic
// one. Junk subscribers are spam complaints in MailerLite's UI wording.
func subscriberStatusLabel(s model.SubscriberStatus) string {
	switch s {
	case model.StatusJunk:
		return DiagSpam
	case "":
		return DiagError
	default:
		return string(s)
	}
}

func recommendations(summary map[string]int) string {
	var parts []string
	if n := summary[string(model.StatusUnsubscribed)]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d unsubscribed: valid records, re-run backfill to create their shadows", n))
	}
	if n := summary[string(model.StatusActive)]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d active: re-run backfill to create their shadows", n))
	}
	if n := summary[DiagNotFound]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d not found in MailerLite: remove their crosswalk rows or export them", n))
	}
	if n := summary[DiagRateLimited]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d rate limited: re-run the scan after the limiter window clears", n))
	}
	if n := summary[DiagError]; n > 0 {
		parts = append(parts, fmt.Sprintf("%d lookup errors: check connectivity and re-run", n))
	}
	if len(parts) == 0 {
		return "no shadow-less crosswalk rows in this window"
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
