package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/praxis-crm/syncbridge/internal/kernel"
	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/model"
	"github.com/praxis-crm/syncbridge/internal/storage"
	"github.com/praxis-crm/syncbridge/internal/telemetry"
)

// Options scope a single SyncRecord invocation.
type Options struct {
	// Direction limits which create paths are taken. Field-level merge
	// decisions are always applied both ways once a record exists on both
	// sides; Direction only gates record creation.
	Direction model.Direction
	// DryRun computes and counts the decision set without writing to
	// either store, the shadow, the ledger, or the log.
	DryRun bool
	// Source prefixes log dedupe keys ("backfill", "bidirectional",
	// "manual", "resolve", "repair").
	Source string
	// Subscriber is the caller's current B-side view when it already
	// holds one (list pages, batch lookups). Nil means the executor
	// resolves B itself.
	Subscriber *model.Subscriber
}

// Outcome summarizes one record reconciliation for the caller's counters.
type Outcome struct {
	Email     string
	Created   bool
	CreatedIn model.Direction
	UpdatesA  int
	UpdatesB  int
	Conflicts int
	Errors    int
	Skipped   bool
}

// Executor reconciles one record end to end under the record lock: resolve
// both current views, run the merge kernel, apply the decisions, and advance
// the shadow only for fields that were actually settled.
type Executor struct {
	locker Locker
	api    mailerlite.API
	logger *slog.Logger
	fields []model.ManagedField
	now    func() time.Time

	records   metric.Int64Counter
	conflicts metric.Int64Counter
}

// NewExecutor builds an Executor over the given lock provider and B-side
// client.
func NewExecutor(locker Locker, api mailerlite.API, logger *slog.Logger) *Executor {
	meter := telemetry.Meter("syncbridge.sync")
	records, _ := meter.Int64Counter("sync.records",
		metric.WithDescription("Reconciled records by result"))
	conflicts, _ := meter.Int64Counter("sync.conflicts.detected",
		metric.WithDescription("Field conflicts inserted into the ledger"))
	return &Executor{
		locker:    locker,
		api:       api,
		logger:    logger,
		fields:    model.ManagedFields(),
		now:       time.Now,
		records:   records,
		conflicts: conflicts,
	}
}

// SyncRecord reconciles a single email. Per-field write failures are
// recorded in the sync log and counted on the Outcome; the returned error is
// reserved for infrastructure failures (lock, transaction, storage).
func (e *Executor) SyncRecord(ctx context.Context, email string, opts Options) (*Outcome, error) {
	email = model.CanonicalEmail(email)
	out := &Outcome{Email: email}
	if opts.Direction == "" {
		opts.Direction = model.DirectionBoth
	}
	if opts.Source == "" {
		opts.Source = "manual"
	}
	if !model.ValidEmail(email) {
		out.Errors++
		e.count("invalid_email")
		return out, nil
	}

	err := e.locker.WithRecordLock(ctx, email, func(ctx context.Context, s Store) error {
		return e.reconcile(ctx, s, email, opts, out)
	})
	if err != nil {
		return nil, fmt.Errorf("sync: record %s: %w", email, err)
	}
	e.count(resultLabel(out))
	return out, nil
}

func (e *Executor) reconcile(ctx context.Context, s Store, email string, opts Options, out *Outcome) error {
	cw, err := getOrNil(s.GetCrosswalk)(ctx, email)
	if err != nil {
		return err
	}
	client, err := getOrNil(s.GetClientByEmail)(ctx, email)
	if err != nil {
		return err
	}
	shadow, err := getOrNil(s.GetShadow)(ctx, email)
	if err != nil {
		return err
	}

	importing := opts.Direction == model.DirectionBToA || opts.Direction == model.DirectionBoth
	exporting := opts.Direction == model.DirectionAToB || opts.Direction == model.DirectionBoth

	sub := opts.Subscriber

	// No A-side row: either import-create it or there is nothing to do.
	if client == nil {
		if !importing {
			out.Skipped = true
			return nil
		}
		if sub == nil {
			sub, err = e.resolveSubscriber(ctx, s, email, cw, opts, out)
			if err != nil {
				return err
			}
		}
		if sub == nil {
			out.Skipped = out.Errors == 0
			return nil
		}
		return e.createClient(ctx, s, email, sub, opts, out)
	}

	// Resolve the current B view: stored id first, email lookup as the
	// fallback. A stale id clears crosswalk.b_id so repair can rebind it.
	if sub == nil {
		sub, err = e.resolveSubscriber(ctx, s, email, cw, opts, out)
		if err != nil {
			return err
		}
		if out.Errors > 0 {
			return nil
		}
	}

	// Keep the crosswalk current before any writes.
	if !opts.DryRun {
		var bid *string
		if sub != nil {
			bid = &sub.ID
		}
		if needsCrosswalk(cw, client.ID, bid) {
			if err := s.UpsertCrosswalk(ctx, email, &client.ID, bid); err != nil {
				return err
			}
		}
	}

	// No B-side record: export-create or stop here.
	if sub == nil {
		if !exporting {
			out.Skipped = true
			return nil
		}
		return e.createSubscriber(ctx, s, email, client, opts, out)
	}

	return e.merge(ctx, s, email, client, sub, shadow, opts, out)
}

// resolveSubscriber finds the current B-side record, preferring the mapped
// id. Lookup failures other than not-found are logged and counted; the
// caller sees them through out.Errors. The returned error is non-nil only
// for fatal conditions (auth, storage).
func (e *Executor) resolveSubscriber(ctx context.Context, s Store, email string, cw *model.CrosswalkRow, opts Options, out *Outcome) (*model.Subscriber, error) {
	if cw != nil && cw.BID != nil {
		sub, err := e.api.GetByID(ctx, *cw.BID)
		if err == nil {
			return sub, nil
		}
		switch {
		case mailerlite.IsNotFound(err):
			e.logger.Warn("mapped subscriber id is stale",
				slog.String("email", email), slog.String("b_id", *cw.BID))
			if !opts.DryRun {
				if clearErr := s.ClearCrosswalkBID(ctx, email); clearErr != nil {
					e.logger.Error("clearing stale b_id", slog.String("email", email), slog.Any("error", clearErr))
				}
			}
			cw.BID = nil
		case isFatal(err):
			return nil, err
		default:
			e.recordError(ctx, s, email, nil, model.DirectionBToA, err, opts, out)
			return nil, nil
		}
	}
	sub, err := e.api.GetByEmail(ctx, email)
	if err != nil {
		if mailerlite.IsNotFound(err) {
			return nil, nil
		}
		if isFatal(err) {
			return nil, err
		}
		e.recordError(ctx, s, email, nil, model.DirectionBToA, err, opts, out)
		return nil, nil
	}
	return sub, nil
}

// createClient imports a B-only record into A and seeds the shadow with the
// imported values on both halves.
func (e *Executor) createClient(ctx context.Context, s Store, email string, sub *model.Subscriber, opts Options, out *Outcome) error {
	out.Created = true
	out.CreatedIn = model.DirectionBToA
	if opts.DryRun {
		return nil
	}
	fields := sub.Fields.Clone()
	aID, err := s.CreateClient(ctx, model.Client{
		Email:        email,
		Fields:       fields,
		MailerLiteID: &sub.ID,
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			// The CRM inserted this row between our read and the insert.
			// Bind the ids now and let the next pass merge the fields.
			existing, gerr := s.GetClientByEmail(ctx, email)
			if gerr != nil {
				return fmt.Errorf("create client: %w", gerr)
			}
			out.Created = false
			out.CreatedIn = ""
			return s.UpsertCrosswalk(ctx, email, &existing.ID, &sub.ID)
		}
		return fmt.Errorf("create client: %w", err)
	}
	if err := s.UpsertCrosswalk(ctx, email, &aID, &sub.ID); err != nil {
		return err
	}
	if err := e.appendLog(ctx, s, model.SyncLogEntry{
		Email:     email,
		Action:    model.ActionCreate,
		Direction: model.DirectionBToA,
		Result:    model.ResultApplied,
	}, opts); err != nil {
		return err
	}
	return e.writeShadow(ctx, s, email, fields, fields)
}

// createSubscriber exports an A-only record to B, binds the new id, and
// seeds the shadow.
func (e *Executor) createSubscriber(ctx context.Context, s Store, email string, client *model.Client, opts Options, out *Outcome) error {
	out.Created = true
	out.CreatedIn = model.DirectionAToB
	if opts.DryRun {
		return nil
	}
	created, err := e.api.Create(ctx, model.Subscriber{Email: email, Fields: client.Fields.Clone()})
	if err != nil {
		out.Created = false
		out.CreatedIn = ""
		if isFatal(err) {
			return err
		}
		e.recordError(ctx, s, email, nil, model.DirectionAToB, err, opts, out)
		return nil
	}
	if err := s.SetCrosswalkBID(ctx, email, created.ID); err != nil {
		return err
	}
	if err := e.appendLog(ctx, s, model.SyncLogEntry{
		Email:     email,
		Action:    model.ActionCreate,
		Direction: model.DirectionAToB,
		Result:    model.ResultApplied,
	}, opts); err != nil {
		return err
	}
	return e.writeShadow(ctx, s, email, client.Fields.Clone(), client.Fields.Clone())
}

// merge runs the kernel and applies its decision set. The shadow advances
// per field: settled fields move to their new values, failed and conflicted
// fields keep their previous shadow values so the next run sees them again.
func (e *Executor) merge(ctx context.Context, s Store, email string, client *model.Client, sub *model.Subscriber, shadow *model.ShadowRow, opts Options, out *Outcome) error {
	var shadowA, shadowB model.Fields
	if shadow != nil {
		shadowA = shadow.Snapshot.A
		shadowB = shadow.Snapshot.B
	}
	res := kernel.Decide(client.Fields, sub.Fields, shadowA, shadowB, e.fields)

	out.UpdatesA = len(res.UpdatesA)
	out.UpdatesB = len(res.UpdatesB)
	out.Conflicts = len(res.Conflicts)

	if res.Converged() {
		out.Skipped = true
		if opts.DryRun {
			return nil
		}
		if shadow != nil {
			return s.TouchShadow(ctx, email)
		}
		// First contact with a pre-converged record: persist the baseline.
		return e.writeShadow(ctx, s, email, client.Fields.Clone(), sub.Fields.Clone())
	}
	if opts.DryRun {
		return nil
	}

	nextA := client.Fields.Clone()
	nextB := sub.Fields.Clone()

	// B wins these fields: write them into A.
	if len(res.UpdatesA) > 0 {
		patch := make(model.Fields, len(res.UpdatesA))
		for _, u := range res.UpdatesA {
			patch[u.Field] = u.Value
		}
		if err := s.UpdateClientFields(ctx, email, patch); err != nil {
			return fmt.Errorf("apply to clients: %w", err)
		}
		for _, u := range res.UpdatesA {
			nextA[u.Field] = u.Value
			if err := e.logUpdate(ctx, s, email, u, model.DirectionBToA, opts); err != nil {
				return err
			}
		}
	}

	// A wins these fields: push them to B. A failed push leaves the
	// affected fields on their old shadow values so they retry next run.
	if len(res.UpdatesB) > 0 {
		patch := make(model.Fields, len(res.UpdatesB))
		for _, u := range res.UpdatesB {
			patch[u.Field] = u.Value
		}
		if _, err := e.api.Update(ctx, sub.ID, patch); err != nil {
			if isFatal(err) {
				return err
			}
			out.UpdatesB = 0
			for _, u := range res.UpdatesB {
				f := u.Field
				nextA[f] = shadowA.Get(f)
				nextB[f] = shadowB.Get(f)
				e.recordError(ctx, s, email, &f, model.DirectionAToB, err, opts, out)
			}
		} else {
			for _, u := range res.UpdatesB {
				nextB[u.Field] = u.Value
				if err := e.logUpdate(ctx, s, email, u, model.DirectionAToB, opts); err != nil {
					return err
				}
			}
		}
	}

	// Conflicted fields go to the ledger and stay frozen in the shadow.
	for _, c := range res.Conflicts {
		f := c.Field
		nextA[f] = shadowA.Get(f)
		nextB[f] = shadowB.Get(f)
		inserted, err := s.InsertPendingConflict(ctx, model.ConflictRow{
			Email:      email,
			Field:      f,
			AValue:     c.AValue,
			BValue:     c.BValue,
			DetectedAt: e.now(),
		})
		if err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
		if inserted {
			e.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("field", string(f))))
			if err := e.appendLog(ctx, s, model.SyncLogEntry{
				Email:     email,
				Field:     &f,
				Action:    model.ActionConflict,
				Direction: model.DirectionNone,
				Result:    model.ResultConflict,
				OldValue:  &c.AValue,
				NewValue:  &c.BValue,
			}, opts); err != nil {
				return err
			}
		}
	}

	return e.writeShadow(ctx, s, email, nextA, nextB)
}

func (e *Executor) logUpdate(ctx context.Context, s Store, email string, u kernel.FieldUpdate, dir model.Direction, opts Options) error {
	f := u.Field
	action := model.ActionUpdate
	if u.FillEmpty {
		action = model.ActionFillEmpty
	}
	old, val := u.Old, u.Value
	return e.appendLog(ctx, s, model.SyncLogEntry{
		Email:     email,
		Field:     &f,
		Action:    action,
		Direction: dir,
		Result:    model.ResultApplied,
		OldValue:  &old,
		NewValue:  &val,
	}, opts)
}

// recordError appends an error-result log row and counts it. It never fails
// the reconciliation; the transaction commits so the row survives.
func (e *Executor) recordError(ctx context.Context, s Store, email string, field *model.ManagedField, dir model.Direction, cause error, opts Options, out *Outcome) {
	out.Errors++
	kind := string(mailerlite.KindOf(cause))
	entry := model.SyncLogEntry{
		Email:     email,
		Field:     field,
		Action:    model.ActionUpdate,
		Direction: dir,
		Result:    model.ResultError,
		ErrorType: &kind,
	}
	var apiErr *mailerlite.APIError
	if errors.As(cause, &apiErr) && apiErr.StatusCode > 0 {
		code := apiErr.StatusCode
		entry.StatusCode = &code
	}
	e.logger.Error("record sync error",
		slog.String("email", email),
		slog.String("direction", string(dir)),
		slog.String("error_type", kind),
		slog.Any("error", cause))
	if opts.DryRun {
		return
	}
	if err := e.appendLog(ctx, s, entry, opts); err != nil {
		e.logger.Error("appending error log row", slog.String("email", email), slog.Any("error", err))
	}
}

func (e *Executor) appendLog(ctx context.Context, s Store, entry model.SyncLogEntry, opts Options) error {
	entry.CreatedAt = e.now()
	entry.DedupeKey = fmt.Sprintf("%s-%s-%d", opts.Source, entry.Email, e.now().UnixNano())
	return s.AppendSyncLog(ctx, entry)
}

func (e *Executor) writeShadow(ctx context.Context, s Store, email string, a, b model.Fields) error {
	return s.UpsertShadow(ctx, email, model.Snapshot{
		A: a,
		B: b,
		Meta: model.SnapshotMeta{
			HasA:       true,
			HasB:       true,
			IsComplete: true,
			CreatedAt:  e.now(),
		},
	}, model.ValidationComplete)
}

func (e *Executor) count(result string) {
	e.records.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// isNotFound matches the storage layer's miss sentinel.
func isNotFound(err error) bool { return errors.Is(err, storage.ErrNotFound) }

// isFatal marks errors that must abort the whole invocation instead of
// being charged to a single record. Auth failures never heal by moving on.
func isFatal(err error) bool { return mailerlite.KindOf(err) == mailerlite.KindAuth }

func resultLabel(out *Outcome) string {
	switch {
	case out.Errors > 0:
		return "error"
	case out.Conflicts > 0:
		return "conflict"
	case out.Created:
		return "created"
	case out.Skipped:
		return "skipped"
	default:
		return "applied"
	}
}

func needsCrosswalk(cw *model.CrosswalkRow, aID int64, bID *string) bool {
	if cw == nil {
		return true
	}
	if cw.AID == nil {
		return true
	}
	return cw.BID == nil && bID != nil
}

// getOrNil lifts a not-found error into a nil result.
func getOrNil[T any](get func(context.Context, string) (*T, error)) func(context.Context, string) (*T, error) {
	return func(ctx context.Context, key string) (*T, error) {
		v, err := get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return v, nil
	}
}
