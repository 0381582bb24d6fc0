package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/storage"
	recsync "github.com/praxis-crm/syncbridge/internal/sync"
)

const (
	bidiPageSize       = 100
	bidiSafetyMargin   = 10 * time.Second
	defaultMaxRecords  = 1000
	defaultMaxDuration = 5 * time.Minute

	// Resume cursors carry a loop prefix so a "both" run can hand back
	// its position in either loop.
	cursorPrefixImport = "b:"
	cursorPrefixExport = "a:"
)

// BidirectionalParams scope one invocation.
type BidirectionalParams struct {
	Direction   model.Direction
	MaxRecords  int
	MaxDuration time.Duration
	DryRun      bool
	Cursor      string
}

// BidirectionalResult aggregates both loops.
type BidirectionalResult struct {
	RecordsProcessed  int    `json:"recordsProcessed"`
	ConflictsDetected int    `json:"conflictsDetected"`
	UpdatesApplied    int    `json:"updatesApplied"`
	Errors            int    `json:"errors"`
	Done              bool   `json:"done"`
	NextCursor        string `json:"nextCursor,omitempty"`
}

// Bidirectional drives full two-way reconciliation: a B→A pass over the
// MailerLite listing followed by an A→B pass over the client table. Both
// passes funnel every record through the executor; the orchestrator itself
// never mutates record state.
type Bidirectional struct {
	store  Store
	api    mailerlite.API
	exec   RecordSyncer
	logger *slog.Logger
	now    func() time.Time
}

// NewBidirectional builds a Bidirectional over the shared executor.
func NewBidirectional(store Store, api mailerlite.API, exec RecordSyncer, logger *slog.Logger) *Bidirectional {
	return &Bidirectional{store: store, api: api, exec: exec, logger: logger, now: time.Now}
}

// Run executes as much of the requested pass as fits in the record and time
// budgets, then returns a resume cursor. A run that drains both streams
// reports Done.
func (o *Bidirectional) Run(ctx context.Context, params BidirectionalParams) (*BidirectionalResult, error) {
	switch params.Direction {
	case model.DirectionAToB, model.DirectionBToA, model.DirectionBoth:
	case "":
		params.Direction = model.DirectionBoth
	default:
		return nil, fmt.Errorf("orchestrator: bidirectional: bad direction %q", params.Direction)
	}
	if params.MaxRecords <= 0 {
		params.MaxRecords = defaultMaxRecords
	}
	if params.MaxDuration <= 0 {
		params.MaxDuration = defaultMaxDuration
	}
	deadline := o.now().Add(params.MaxDuration - bidiSafetyMargin)
	if params.MaxDuration <= bidiSafetyMargin {
		deadline = o.now().Add(params.MaxDuration / 2)
	}

	run := &bidiRun{
		orch:     o,
		params:   params,
		deadline: deadline,
		result:   &BidirectionalResult{},
	}

	if err := markRunning(ctx, o.store, ComponentFullSync, 0, 0); err != nil {
		return nil, err
	}

	importing := params.Direction == model.DirectionBToA || params.Direction == model.DirectionBoth
	exporting := params.Direction == model.DirectionAToB || params.Direction == model.DirectionBoth

	importCursor, exportOffset, err := parseResumeCursor(params.Cursor)
	if err != nil {
		return nil, err
	}
	// A cursor from the export loop means the import pass of a "both" run
	// already finished.
	if exportOffset >= 0 {
		importing = importing && params.Direction == model.DirectionBToA
	}

	if importing {
		done, err := run.importLoop(ctx, importCursor)
		if err != nil {
			_ = markFinished(ctx, o.store, ComponentFullSync, model.RunStatusFailed, nil,
				model.SyncStatistics{Errors: 1})
			return nil, err
		}
		if !done {
			return o.checkpoint(ctx, run)
		}
	}
	if exporting {
		done, err := run.exportLoop(ctx, max(exportOffset, 0))
		if err != nil {
			_ = markFinished(ctx, o.store, ComponentFullSync, model.RunStatusFailed, nil,
				model.SyncStatistics{Errors: 1})
			return nil, err
		}
		if !done {
			return o.checkpoint(ctx, run)
		}
	}

	run.result.Done = true
	stats := model.SyncStatistics{
		RecordsProcessed:  run.result.RecordsProcessed,
		UpdatesApplied:    run.result.UpdatesApplied,
		ConflictsDetected: run.result.ConflictsDetected,
		Errors:            run.result.Errors,
	}
	if !params.DryRun {
		err = markFinished(ctx, o.store, ComponentFullSync, model.RunStatusCompleted,
			&model.LastSyncInfo{
				Kind:        "bidirectional",
				Direction:   params.Direction,
				CompletedAt: o.now(),
				Records:     run.result.RecordsProcessed,
				Errors:      run.result.Errors,
			}, stats)
		if err != nil {
			return nil, err
		}
	}
	o.logger.Info("bidirectional sync completed",
		slog.String("direction", string(params.Direction)),
		slog.Bool("dry_run", params.DryRun),
		slog.Int("records", run.result.RecordsProcessed),
		slog.Int("updates", run.result.UpdatesApplied),
		slog.Int("conflicts", run.result.ConflictsDetected),
		slog.Int("errors", run.result.Errors))
	return run.result, nil
}

func (o *Bidirectional) checkpoint(ctx context.Context, run *bidiRun) (*BidirectionalResult, error) {
	if err := markRunning(ctx, o.store, ComponentFullSync, run.result.RecordsProcessed, run.result.Errors); err != nil {
		return nil, err
	}
	return run.result, nil
}

// parseResumeCursor splits a prefixed resume cursor into an import cursor
// and an export offset (-1 when not in the export loop).
func parseResumeCursor(cursor string) (string, int, error) {
	switch {
	case cursor == "":
		return "", -1, nil
	case strings.HasPrefix(cursor, cursorPrefixImport):
		return strings.TrimPrefix(cursor, cursorPrefixImport), -1, nil
	case strings.HasPrefix(cursor, cursorPrefixExport):
		off, err := strconv.Atoi(strings.TrimPrefix(cursor, cursorPrefixExport))
		if err != nil || off < 0 {
			return "", -1, fmt.Errorf("orchestrator: bidirectional: bad resume cursor %q", cursor)
		}
		return "", off, nil
	default:
		// Bare cursors are accepted as import cursors for callers that
		// resume from the persisted mailerlite:import:cursor document.
		return cursor, -1, nil
	}
}

// bidiRun is the per-invocation state of one Run call.
type bidiRun struct {
	orch     *Bidirectional
	params   BidirectionalParams
	deadline time.Time
	result   *BidirectionalResult
}

func (r *bidiRun) budgetExhausted() bool {
	return r.result.RecordsProcessed >= r.params.MaxRecords || !r.orch.now().Before(r.deadline)
}

func (r *bidiRun) paused(ctx context.Context) bool {
	p, err := componentPaused(ctx, r.orch.store, ComponentFullSync)
	if err != nil {
		r.orch.logger.Error("reading pause flag", slog.Any("error", err))
		return false
	}
	return p
}

// importLoop pages the MailerLite listing and reconciles each subscriber
// B→A. The page cursor persists after every page so an interrupted run
// resumes mid-stream.
func (r *bidiRun) importLoop(ctx context.Context, cursor string) (bool, error) {
	o := r.orch
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if r.paused(ctx) || r.budgetExhausted() {
			r.result.NextCursor = cursorPrefixImport + cursor
			return false, nil
		}

		subs, next, err := o.api.ListPage(ctx, cursor, bidiPageSize)
		if err != nil {
			return false, fmt.Errorf("orchestrator: bidirectional: list page: %w", err)
		}
		for i := range subs {
			sub := subs[i]
			if r.budgetExhausted() {
				r.result.NextCursor = cursorPrefixImport + cursor
				return false, nil
			}
			r.syncOne(ctx, sub.Email, recsync.Options{
				Direction:  model.DirectionBToA,
				DryRun:     r.params.DryRun,
				Source:     "bidirectional",
				Subscriber: &sub,
			})
		}

		if !r.params.DryRun {
			if next != "" {
				err = o.store.SetState(ctx, model.KeyImportCursor, model.ImportCursor{
					Cursor:           next,
					RecordsProcessed: r.result.RecordsProcessed,
					UpdatedAt:        o.now(),
				})
			} else {
				err = o.store.DeleteState(ctx, model.KeyImportCursor)
			}
			if err != nil {
				return false, fmt.Errorf("orchestrator: bidirectional: import cursor: %w", err)
			}
		}
		if next == "" {
			return true, nil
		}
		cursor = next
	}
}

// exportLoop pages the client table by (email asc, offset) and reconciles
// each client A→B.
func (r *bidiRun) exportLoop(ctx context.Context, offset int) (bool, error) {
	o := r.orch
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if r.paused(ctx) || r.budgetExhausted() {
			r.result.NextCursor = cursorPrefixExport + strconv.Itoa(offset)
			return false, nil
		}

		clients, err := o.store.PageClients(ctx, offset, bidiPageSize)
		if err != nil {
			return false, fmt.Errorf("orchestrator: bidirectional: page clients: %w", err)
		}
		for _, c := range clients {
			if r.budgetExhausted() {
				r.result.NextCursor = cursorPrefixExport + strconv.Itoa(offset)
				return false, nil
			}
			r.syncOne(ctx, c.Email, recsync.Options{
				Direction: model.DirectionAToB,
				DryRun:    r.params.DryRun,
				Source:    "bidirectional",
			})
			offset++
		}
		if len(clients) < bidiPageSize {
			return true, nil
		}
	}
}

// syncOne funnels one record through the executor, retrying transient
// transaction failures, and folds the outcome into the aggregate result.
func (r *bidiRun) syncOne(ctx context.Context, email string, opts recsync.Options) {
	var out *recsync.Outcome
	err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var syncErr error
		out, syncErr = r.orch.exec.SyncRecord(ctx, email, opts)
		return syncErr
	})
	r.result.RecordsProcessed++
	if err != nil {
		r.result.Errors++
		r.orch.logger.Error("record sync failed",
			slog.String("email", email), slog.Any("error", err))
		return
	}
	r.result.UpdatesApplied += out.UpdatesA + out.UpdatesB
	if out.Created {
		r.result.UpdatesApplied++
	}
	r.result.ConflictsDetected += out.Conflicts
	r.result.Errors += out.Errors
}
