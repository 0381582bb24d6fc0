package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/model"
)

const (
	backfillRecordChunk = 100 // phases 1 and 2
	backfillPairChunk   = 500 // phase 3
	backfillStallAfter  = 5 * time.Minute
	maxContinuations    = 200
)

// Backfill builds the crosswalk from both stores and then materializes a
// shadow for every complete pair. One Run processes a single chunk and
// checkpoints; with autoContinue it schedules its own follow-up invocation
// until the run completes or the continuation budget is spent.
type Backfill struct {
	store  Store
	api    mailerlite.API
	logger *slog.Logger
	now    func() time.Time
	// schedule queues fn for asynchronous execution. Nil disables
	// self-continuation regardless of the autoContinue flag.
	schedule func(fn func())
}

// BackfillResult is the invocation summary returned to the caller.
type BackfillResult struct {
	Message          string                 `json:"message"`
	Progress         model.BackfillProgress `json:"progress"`
	ContinueBackfill bool                   `json:"continueBackfill"`
	AutoContinuing   bool                   `json:"autoContinuing,omitempty"`
}

// NewBackfill builds a Backfill. schedule may be nil.
func NewBackfill(store Store, api mailerlite.API, logger *slog.Logger, schedule func(fn func())) *Backfill {
	return &Backfill{store: store, api: api, logger: logger, now: time.Now, schedule: schedule}
}

// Run executes one backfill chunk. Progress only advances after the chunk's
// writes have succeeded, so a crash between chunks resumes exactly where the
// checkpoint says.
func (b *Backfill) Run(ctx context.Context, autoContinue bool) (*BackfillResult, error) {
	progress, err := b.loadProgress(ctx)
	if err != nil {
		return nil, err
	}

	paused, err := componentPaused(ctx, b.store, ComponentBackfill)
	if err != nil {
		return nil, err
	}
	if paused {
		return &BackfillResult{Message: "backfill is paused", Progress: progress}, nil
	}

	ff, err := b.preflight(ctx, &progress)
	if err != nil {
		return nil, err
	}
	if ff {
		if err := b.saveProgress(ctx, &progress); err != nil {
			return nil, err
		}
		return b.finish(ctx, progress)
	}

	if progress.Status == model.RunStatusRunning && b.now().Sub(progress.LastUpdatedAt) > backfillStallAfter {
		b.logger.Warn("backfill run is stale, resuming from checkpoint",
			slog.Int("phase", progress.Phase),
			slog.Time("last_updated_at", progress.LastUpdatedAt))
	}
	progress.Status = model.RunStatusRunning

	var done bool
	switch progress.Phase {
	case model.PhaseCrosswalkFromA:
		done, err = b.runPhase1(ctx, &progress)
	case model.PhaseCrosswalkFromB:
		done, err = b.runPhase2(ctx, &progress)
	case model.PhaseShadows:
		done, err = b.runPhase3(ctx, &progress)
	default:
		err = fmt.Errorf("orchestrator: backfill: unknown phase %d", progress.Phase)
	}
	if err != nil {
		progress.Status = model.RunStatusFailed
		if saveErr := b.saveProgress(ctx, &progress); saveErr != nil {
			b.logger.Error("saving failed backfill progress", slog.Any("error", saveErr))
		}
		_ = markFinished(ctx, b.store, ComponentBackfill, model.RunStatusFailed, nil,
			model.SyncStatistics{Errors: 1})
		return nil, err
	}

	if done {
		progress.Status = model.RunStatusCompleted
	}
	if err := b.saveProgress(ctx, &progress); err != nil {
		return nil, err
	}
	if done {
		return b.finish(ctx, progress)
	}

	if err := markRunning(ctx, b.store, ComponentBackfill, 0, 0); err != nil {
		return nil, err
	}

	res := &BackfillResult{
		Message:          fmt.Sprintf("backfill phase %d checkpointed", progress.Phase),
		Progress:         progress,
		ContinueBackfill: true,
	}
	if autoContinue && b.schedule != nil {
		if progress.ContinuationCount >= maxContinuations {
			b.logger.Warn("backfill continuation budget exhausted",
				slog.Int("continuations", progress.ContinuationCount))
			res.Message = "continuation budget exhausted, invoke backfill again to resume"
			return res, nil
		}
		progress.ContinuationCount++
		if err := b.saveProgress(ctx, &progress); err != nil {
			return nil, err
		}
		res.Progress = progress
		res.AutoContinuing = true
		b.schedule(func() {
			if _, err := b.Run(context.Background(), true); err != nil {
				b.logger.Error("backfill continuation failed", slog.Any("error", err))
			}
		})
	}
	return res, nil
}

func (b *Backfill) loadProgress(ctx context.Context) (model.BackfillProgress, error) {
	var p model.BackfillProgress
	if err := b.store.GetState(ctx, model.KeyBackfillProgress, &p); err != nil {
		if !isNotFound(err) {
			return p, fmt.Errorf("orchestrator: load backfill progress: %w", err)
		}
		p = model.BackfillProgress{
			Phase:     model.PhaseCrosswalkFromA,
			Status:    model.RunStatusRunning,
			StartedAt: b.now(),
		}
	}
	if p.Status == model.RunStatusCompleted {
		// A completed run restarts fresh; preflight will fast-forward it
		// right back if nothing changed.
		p = model.BackfillProgress{
			Phase:     model.PhaseCrosswalkFromA,
			Status:    model.RunStatusRunning,
			StartedAt: b.now(),
		}
	}
	return p, nil
}

func (b *Backfill) saveProgress(ctx context.Context, p *model.BackfillProgress) error {
	p.LastUpdatedAt = b.now()
	if err := b.store.SetState(ctx, model.KeyBackfillProgress, *p); err != nil {
		return fmt.Errorf("orchestrator: save backfill progress: %w", err)
	}
	return nil
}

// preflight fast-forwards the run using store counts, making restarts after
// partial invocations trivially correct. It returns true when the run is
// already complete.
func (b *Backfill) preflight(ctx context.Context, p *model.BackfillProgress) (bool, error) {
	clients, err := b.store.CountClients(ctx)
	if err != nil {
		return false, err
	}
	withA, err := b.store.CountCrosswalkWithAID(ctx)
	if err != nil {
		return false, err
	}
	pairs, err := b.store.CountCrosswalkPairs(ctx)
	if err != nil {
		return false, err
	}
	shadows, err := b.store.CountShadows(ctx)
	if err != nil {
		return false, err
	}

	if shadows >= pairs && pairs > 0 {
		p.Status = model.RunStatusCompleted
		return true, nil
	}
	// The jump applies only while the checkpoint is still in phase 1: a
	// fully covered client table there means the crosswalk was built by an
	// earlier run, so only shadows remain. A run already in phase 2 keeps
	// going to pick up subscriber-only rows.
	if withA >= clients && clients > 0 && p.Phase == model.PhaseCrosswalkFromA {
		b.logger.Info("backfill preflight: crosswalk covers all clients, jumping to shadow phase",
			slog.Int("clients", clients), slog.Int("shadows", shadows))
		p.Phase = model.PhaseShadows
		p.ShadowOffset = shadows
	}
	return false, nil
}

// runPhase1 seeds crosswalk rows from one page of the client table.
func (b *Backfill) runPhase1(ctx context.Context, p *model.BackfillProgress) (bool, error) {
	clients, err := b.store.PageClients(ctx, p.ClientOffset, backfillRecordChunk)
	if err != nil {
		return false, fmt.Errorf("orchestrator: backfill phase 1: %w", err)
	}
	for _, c := range clients {
		id := c.ID
		if err := b.store.UpsertCrosswalk(ctx, c.Email, &id, c.MailerLiteID); err != nil {
			return false, fmt.Errorf("orchestrator: backfill phase 1: %s: %w", c.Email, err)
		}
		p.CrosswalkCreated++
	}
	p.ClientOffset += len(clients)
	if len(clients) < backfillRecordChunk {
		p.Phase = model.PhaseCrosswalkFromB
		p.SubscriberCursor = ""
	}
	return false, nil
}

// runPhase2 augments the crosswalk from one page of the MailerLite listing.
func (b *Backfill) runPhase2(ctx context.Context, p *model.BackfillProgress) (bool, error) {
	subs, next, err := b.api.ListPage(ctx, p.SubscriberCursor, backfillRecordChunk)
	if err != nil {
		return false, fmt.Errorf("orchestrator: backfill phase 2: %w", err)
	}
	for _, s := range subs {
		email := model.CanonicalEmail(s.Email)
		if !model.ValidEmail(email) {
			p.Errors++
			continue
		}
		bid := s.ID
		if err := b.store.UpsertCrosswalk(ctx, email, nil, &bid); err != nil {
			return false, fmt.Errorf("orchestrator: backfill phase 2: %s: %w", email, err)
		}
		p.CrosswalkCreated++
	}
	p.SubscriberCursor = next
	if next == "" {
		p.Phase = model.PhaseShadows
		shadows, err := b.store.CountShadows(ctx)
		if err != nil {
			return false, err
		}
		p.ShadowOffset = shadows
	}
	return false, nil
}

// runPhase3 materializes shadows for one chunk of complete pairs that lack
// one. Processed rows leave the predicate, so the page always starts at
// zero; rows that fail stay visible for the next chunk.
func (b *Backfill) runPhase3(ctx context.Context, p *model.BackfillProgress) (bool, error) {
	rows, err := b.store.PageCrosswalkPairsWithoutShadow(ctx, 0, backfillPairChunk)
	if err != nil {
		return false, fmt.Errorf("orchestrator: backfill phase 3: %w", err)
	}
	if len(rows) == 0 {
		return true, nil
	}

	for start := 0; start < len(rows); start += mailerlite.BatchMax {
		end := min(start+mailerlite.BatchMax, len(rows))
		group := rows[start:end]

		emails := make([]string, len(group))
		for i, r := range group {
			emails[i] = r.Email
		}
		results, err := b.api.GetBatch(ctx, emails)
		if err != nil {
			return false, fmt.Errorf("orchestrator: backfill phase 3: batch lookup: %w", err)
		}

		shadows := make([]model.ShadowRow, 0, len(group))
		for _, r := range group {
			row, err := b.buildShadow(ctx, r, results[r.Email])
			if err != nil {
				p.Errors++
				b.logger.Warn("backfill shadow build failed",
					slog.String("email", r.Email), slog.Any("error", err))
				continue
			}
			shadows = append(shadows, row)
		}
		if err := b.store.UpsertShadows(ctx, shadows); err != nil {
			return false, fmt.Errorf("orchestrator: backfill phase 3: upsert shadows: %w", err)
		}
		p.ShadowsCreated += len(shadows)
		p.ShadowOffset += len(shadows)
	}

	return len(rows) < backfillPairChunk, nil
}

func (b *Backfill) buildShadow(ctx context.Context, cw model.CrosswalkRow, res mailerlite.BatchResult) (model.ShadowRow, error) {
	var row model.ShadowRow
	client, err := b.store.GetClientByEmail(ctx, cw.Email)
	if err != nil && !isNotFound(err) {
		return row, err
	}
	if res.Err != nil {
		return row, res.Err
	}

	snap := model.Snapshot{Meta: model.SnapshotMeta{CreatedAt: b.now()}}
	if client != nil {
		snap.A = client.Fields.Clone()
		snap.Meta.HasA = true
	}
	if res.Subscriber != nil {
		snap.B = res.Subscriber.Fields.Clone()
		snap.Meta.HasB = true
	}
	snap.Meta.IsComplete = snap.Meta.HasA && snap.Meta.HasB

	status := model.ValidationIncomplete
	if snap.Meta.IsComplete {
		status = model.ValidationComplete
	}
	return model.ShadowRow{
		Email:            cw.Email,
		Snapshot:         snap,
		ValidationStatus: status,
		LastValidatedAt:  b.now(),
	}, nil
}

func (b *Backfill) finish(ctx context.Context, progress model.BackfillProgress) (*BackfillResult, error) {
	err := markFinished(ctx, b.store, ComponentBackfill, model.RunStatusCompleted,
		&model.LastSyncInfo{
			Kind:        "backfill",
			CompletedAt: b.now(),
			Records:     progress.ShadowsCreated,
			Errors:      progress.Errors,
		},
		model.SyncStatistics{
			RecordsProcessed: progress.ShadowsCreated,
			Errors:           progress.Errors,
		})
	if err != nil {
		return nil, err
	}
	b.logger.Info("backfill completed",
		slog.Int("crosswalk_created", progress.CrosswalkCreated),
		slog.Int("shadows_created", progress.ShadowsCreated),
		slog.Int("errors", progress.Errors))
	return &BackfillResult{
		Message:  "backfill completed",
		Progress: progress,
	}, nil
}
