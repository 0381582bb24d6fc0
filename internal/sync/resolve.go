package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/model"
)

// Resolution choices for a pending conflict.
type Choice string

const (
	ChooseA      Choice = "a"
	ChooseB      Choice = "b"
	ChooseCustom Choice = "custom"
)

var (
	ErrAlreadyResolved = errors.New("sync: conflict already resolved")
	ErrBadChoice       = errors.New("sync: unknown resolution choice")
)

// Resolver applies a human decision to a pending conflict. The chosen value
// is written to both sides and into both shadow halves so the next
// reconciliation sees the field as converged rather than re-detecting the
// conflict.
type Resolver struct {
	store  Store
	locker Locker
	api    mailerlite.API
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver builds a Resolver. store is a pool-backed Store used for the
// initial read outside the record lock.
func NewResolver(store Store, locker Locker, api mailerlite.API, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, locker: locker, api: api, logger: logger, now: time.Now}
}

// Resolve settles the conflict with the given choice. custom is required for
// ChooseCustom and ignored otherwise. A nil custom value clears the field.
func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID, choice Choice, custom *model.FieldValue) (*model.ConflictRow, error) {
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sync: resolve %s: %w", id, err)
	}
	if c.Status != model.ConflictPending {
		return nil, ErrAlreadyResolved
	}

	var value model.FieldValue
	switch choice {
	case ChooseA:
		value = c.AValue
	case ChooseB:
		value = c.BValue
	case ChooseCustom:
		if custom != nil {
			value = *custom
		}
	default:
		return nil, ErrBadChoice
	}

	err = r.locker.WithRecordLock(ctx, c.Email, func(ctx context.Context, s Store) error {
		cur, err := s.GetConflict(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != model.ConflictPending {
			return ErrAlreadyResolved
		}
		now := r.now()
		if err := s.MarkConflictResolved(ctx, id, value, now); err != nil {
			return err
		}
		if err := s.UpdateClientFields(ctx, c.Email, model.Fields{c.Field: value}); err != nil {
			if !isNotFound(err) {
				return fmt.Errorf("apply to clients: %w", err)
			}
			r.logger.Warn("conflict resolution: no client row", slog.String("email", c.Email))
		}
		if err := r.applyToB(ctx, s, c.Email, c.Field, value); err != nil {
			return err
		}
		if err := r.reseedShadow(ctx, s, c.Email, c.Field, value, now); err != nil {
			return err
		}
		f := c.Field
		return s.AppendSyncLog(ctx, model.SyncLogEntry{
			CreatedAt: now,
			Email:     c.Email,
			Field:     &f,
			Action:    model.ActionUpdate,
			Direction: model.DirectionBoth,
			Result:    model.ResultApplied,
			OldValue:  &c.AValue,
			NewValue:  &value,
			DedupeKey: fmt.Sprintf("resolve-%s-%d", c.Email, now.UnixNano()),
		})
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			return nil, ErrAlreadyResolved
		}
		return nil, fmt.Errorf("sync: resolve %s: %w", id, err)
	}

	resolved, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sync: resolve %s: %w", id, err)
	}
	return resolved, nil
}

func (r *Resolver) applyToB(ctx context.Context, s Store, email string, field model.ManagedField, value model.FieldValue) error {
	cw, err := getOrNil(s.GetCrosswalk)(ctx, email)
	if err != nil {
		return err
	}
	bid := ""
	if cw != nil && cw.BID != nil {
		bid = *cw.BID
	}
	if bid == "" {
		sub, err := r.api.GetByEmail(ctx, email)
		if err != nil {
			if mailerlite.IsNotFound(err) {
				r.logger.Warn("conflict resolution: no subscriber", slog.String("email", email))
				return nil
			}
			return fmt.Errorf("resolve subscriber: %w", err)
		}
		bid = sub.ID
		if err := s.SetCrosswalkBID(ctx, email, bid); err != nil {
			return err
		}
	}
	if _, err := r.api.Update(ctx, bid, model.Fields{field: value}); err != nil {
		return fmt.Errorf("apply to subscriber: %w", err)
	}
	return nil
}

// reseedShadow writes the resolved value into both shadow halves so the
// field reads as unchanged on the next three-way diff.
func (r *Resolver) reseedShadow(ctx context.Context, s Store, email string, field model.ManagedField, value model.FieldValue, now time.Time) error {
	shadow, err := getOrNil(s.GetShadow)(ctx, email)
	if err != nil {
		return err
	}
	var snap model.Snapshot
	if shadow != nil {
		snap = shadow.Snapshot
	}
	a := snap.A.Clone()
	b := snap.B.Clone()
	a[field] = value
	b[field] = value
	return s.UpsertShadow(ctx, email, model.Snapshot{
		A: a,
		B: b,
		Meta: model.SnapshotMeta{
			HasA:       true,
			HasB:       true,
			IsComplete: true,
			CreatedAt:  now,
		},
	}, model.ValidationComplete)
}
