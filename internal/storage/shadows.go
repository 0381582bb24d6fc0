package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/praxis-crm/syncbridge/internal/model"
)

// shadowBatchSize bounds the statement size of bulk shadow upserts.
const shadowBatchSize = 50

// GetShadow returns the shadow row for an email, or ErrNotFound.
func (s queries) GetShadow(ctx context.Context, email string) (*model.ShadowRow, error) {
	var (
		r   model.ShadowRow
		raw []byte
	)
	err := s.q.QueryRow(ctx, `
		SELECT email, snapshot, validation_status, data_quality, last_validated_at
		FROM shadows WHERE email = $1`,
		model.CanonicalEmail(email),
	).Scan(&r.Email, &raw, &r.ValidationStatus, &r.DataQuality, &r.LastValidatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get shadow: %w", err)
	}
	if err := json.Unmarshal(raw, &r.Snapshot); err != nil {
		return nil, fmt.Errorf("storage: decode shadow snapshot: %w", err)
	}
	return &r, nil
}

// UpsertShadow writes the joint snapshot for an email, refreshing
// last_validated_at.
func (s queries) UpsertShadow(ctx context.Context, email string, snap model.Snapshot, validationStatus string) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: encode shadow snapshot: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO shadows (email, snapshot, validation_status, last_validated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (email) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			validation_status = EXCLUDED.validation_status,
			last_validated_at = now()`,
		model.CanonicalEmail(email), raw, validationStatus)
	if err != nil {
		return fmt.Errorf("storage: upsert shadow: %w", err)
	}
	return nil
}

// TouchShadow refreshes last_validated_at without changing the snapshot.
// Used when a reconciliation pass decided skip for every field.
func (s queries) TouchShadow(ctx context.Context, email string) error {
	_, err := s.q.Exec(ctx,
		`UPDATE shadows SET last_validated_at = now() WHERE email = $1`,
		model.CanonicalEmail(email))
	if err != nil {
		return fmt.Errorf("storage: touch shadow: %w", err)
	}
	return nil
}

// UpsertShadows bulk-writes shadow rows in sub-batches of 50 to bound
// query size. Used by the backfill orchestrator.
func (s queries) UpsertShadows(ctx context.Context, rows []model.ShadowRow) error {
	for start := 0; start < len(rows); start += shadowBatchSize {
		end := min(start+shadowBatchSize, len(rows))
		if err := s.upsertShadowBatch(ctx, rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s queries) upsertShadowBatch(ctx context.Context, rows []model.ShadowRow) error {
	emails := make([]string, 0, len(rows))
	snaps := make([][]byte, 0, len(rows))
	statuses := make([]string, 0, len(rows))
	for _, r := range rows {
		raw, err := json.Marshal(r.Snapshot)
		if err != nil {
			return fmt.Errorf("storage: encode shadow snapshot: %w", err)
		}
		emails = append(emails, model.CanonicalEmail(r.Email))
		snaps = append(snaps, raw)
		statuses = append(statuses, r.ValidationStatus)
	}

	_, err := s.q.Exec(ctx, `
		INSERT INTO shadows (email, snapshot, validation_status, last_validated_at)
		SELECT unnest($1::text[]), unnest($2::jsonb[]), unnest($3::text[]), now()
		ON CONFLICT (email) DO UPDATE SET
			snapshot = EXCLUDED.snapshot,
			validation_status = EXCLUDED.validation_status,
			last_validated_at = now()`,
		emails, snaps, statuses)
	if err != nil {
		return fmt.Errorf("storage: bulk upsert shadows: %w", err)
	}
	return nil
}

// CountShadows returns the shadow row count (backfill preflight).
func (s queries) CountShadows(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM shadows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count shadows: %w", err)
	}
	return n, nil
}
