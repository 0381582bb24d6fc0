package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/praxis-crm/syncbridge/internal/model"
)

// InsertPendingConflict appends a conflict to the ledger. The partial
// unique index on (email, field) WHERE status='pending' makes repeated
// detections idempotent: the second insert is a no-op and inserted=false.
func (s queries) InsertPendingConflict(ctx context.Context, c model.ConflictRow) (inserted bool, err error) {
	aRaw, err := json.Marshal(c.AValue)
	if err != nil {
		return false, fmt.Errorf("storage: encode conflict a_value: %w", err)
	}
	bRaw, err := json.Marshal(c.BValue)
	if err != nil {
		return false, fmt.Errorf("storage: encode conflict b_value: %w", err)
	}

	tag, err := s.q.Exec(ctx, `
		INSERT INTO conflicts (id, email, field, a_value, b_value, detected_at, status)
		VALUES ($1, $2, $3, $4, $5, now(), 'pending')
		ON CONFLICT (email, field) WHERE status = 'pending' DO NOTHING`,
		uuid.New(), model.CanonicalEmail(c.Email), string(c.Field), aRaw, bRaw)
	if err != nil {
		return false, fmt.Errorf("storage: insert conflict: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const conflictSelect = `SELECT id, email, field, a_value, b_value, detected_at, status, resolved_value, resolved_at FROM conflicts`

func scanConflict(row pgx.Row) (*model.ConflictRow, error) {
	var (
		c           model.ConflictRow
		field       string
		aRaw, bRaw  []byte
		resolvedRaw []byte
	)
	err := row.Scan(&c.ID, &c.Email, &field, &aRaw, &bRaw, &c.DetectedAt, &c.Status, &resolvedRaw, &c.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan conflict: %w", err)
	}

	c.Field = model.ManagedField(field)
	if err := json.Unmarshal(aRaw, &c.AValue); err != nil {
		return nil, fmt.Errorf("storage: decode conflict a_value: %w", err)
	}
	if err := json.Unmarshal(bRaw, &c.BValue); err != nil {
		return nil, fmt.Errorf("storage: decode conflict b_value: %w", err)
	}
	if resolvedRaw != nil {
		var v model.FieldValue
		if err := json.Unmarshal(resolvedRaw, &v); err != nil {
			return nil, fmt.Errorf("storage: decode conflict resolved_value: %w", err)
		}
		c.ResolvedValue = &v
	}
	return &c, nil
}

// GetConflict loads one ledger row by id.
func (s queries) GetConflict(ctx context.Context, id uuid.UUID) (*model.ConflictRow, error) {
	return scanConflict(s.q.QueryRow(ctx, conflictSelect+` WHERE id = $1`, id))
}

// ListConflicts returns ledger rows, optionally filtered by status,
// newest first.
func (s queries) ListConflicts(ctx context.Context, status string, limit int) ([]model.ConflictRow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := conflictSelect
	args := []any{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY detected_at DESC LIMIT $1`

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list conflicts: %w", err)
	}
	defer rows.Close()

	var out []model.ConflictRow
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MarkConflictResolved records the chosen value. The caller is responsible
// for round-tripping the value through the record executor so the shadow
// baseline converges on it.
func (s queries) MarkConflictResolved(ctx context.Context, id uuid.UUID, value model.FieldValue, at time.Time) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode resolved_value: %w", err)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE conflicts
		SET status = 'resolved', resolved_value = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'`,
		id, raw, at)
	if err != nil {
		return fmt.Errorf("storage: resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
