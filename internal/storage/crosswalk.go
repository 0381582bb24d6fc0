package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/praxis-crm/syncbridge/internal/model"
)

const crosswalkSelect = `SELECT email, a_id, b_id, created_at, updated_at FROM crosswalk`

func scanCrosswalk(row pgx.Row) (*model.CrosswalkRow, error) {
	var r model.CrosswalkRow
	if err := row.Scan(&r.Email, &r.AID, &r.BID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan crosswalk: %w", err)
	}
	return &r, nil
}

// GetCrosswalk returns the identity row for an email, or ErrNotFound.
func (s queries) GetCrosswalk(ctx context.Context, email string) (*model.CrosswalkRow, error) {
	return scanCrosswalk(s.q.QueryRow(ctx, crosswalkSelect+` WHERE email = $1`, model.CanonicalEmail(email)))
}

// UpsertCrosswalk ensures a row exists for the email, populating whichever
// ids are provided. Existing non-null ids are preserved; a provided id only
// fills a null slot or replaces an equal value.
func (s queries) UpsertCrosswalk(ctx context.Context, email string, aID *int64, bID *string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO crosswalk (email, a_id, b_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET
			a_id = COALESCE(crosswalk.a_id, EXCLUDED.a_id),
			b_id = COALESCE(crosswalk.b_id, EXCLUDED.b_id),
			updated_at = now()`,
		model.CanonicalEmail(email), aID, bID)
	if err != nil {
		return fmt.Errorf("storage: upsert crosswalk: %w", err)
	}
	return nil
}

// SetCrosswalkAID populates the A-side id. Nulling an id this way is
// rejected; repair paths must be explicit.
func (s queries) SetCrosswalkAID(ctx context.Context, email string, aID int64) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO crosswalk (email, a_id)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET a_id = EXCLUDED.a_id, updated_at = now()`,
		model.CanonicalEmail(email), aID)
	if err != nil {
		return fmt.Errorf("storage: set crosswalk a_id: %w", err)
	}
	return nil
}

// SetCrosswalkBID populates the B-side id.
func (s queries) SetCrosswalkBID(ctx context.Context, email string, bID string) error {
	if bID == "" {
		return ErrIDDowngrade
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO crosswalk (email, b_id)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET b_id = EXCLUDED.b_id, updated_at = now()`,
		model.CanonicalEmail(email), bID)
	if err != nil {
		return fmt.Errorf("storage: set crosswalk b_id: %w", err)
	}
	return nil
}

// ClearCrosswalkBID explicitly nulls a stale B-side id after MailerLite
// reported the subscriber gone. The id-repair orchestrator regenerates it.
func (s queries) ClearCrosswalkBID(ctx context.Context, email string) error {
	_, err := s.q.Exec(ctx,
		`UPDATE crosswalk SET b_id = NULL, updated_at = now() WHERE email = $1`,
		model.CanonicalEmail(email))
	if err != nil {
		return fmt.Errorf("storage: clear crosswalk b_id: %w", err)
	}
	return nil
}

// CountCrosswalkWithAID counts rows that know their A-side id
// (backfill preflight).
func (s queries) CountCrosswalkWithAID(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM crosswalk WHERE a_id IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count crosswalk a_id: %w", err)
	}
	return n, nil
}

// CountCrosswalkPairs counts rows with both ids populated.
func (s queries) CountCrosswalkPairs(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM crosswalk WHERE a_id IS NOT NULL AND b_id IS NOT NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count crosswalk pairs: %w", err)
	}
	return n, nil
}

// PageCrosswalkPairs returns one offset page of complete pairs, ordered by
// email for stable offsets.
func (s queries) PageCrosswalkPairs(ctx context.Context, offset, limit int) ([]model.CrosswalkRow, error) {
	return s.pageCrosswalk(ctx, `WHERE a_id IS NOT NULL AND b_id IS NOT NULL`, offset, limit)
}

// PageCrosswalkMissingBID returns rows lacking a B-side id (id repair).
func (s queries) PageCrosswalkMissingBID(ctx context.Context, offset, limit int) ([]model.CrosswalkRow, error) {
	return s.pageCrosswalk(ctx, `WHERE b_id IS NULL`, offset, limit)
}

// PageCrosswalkWithoutShadow returns crosswalk rows that have no shadow yet
// (diagnostic scanner).
func (s queries) PageCrosswalkWithoutShadow(ctx context.Context, offset, limit int) ([]model.CrosswalkRow, error) {
	return s.pageCrosswalk(ctx,
		`WHERE NOT EXISTS (SELECT 1 FROM shadows sh WHERE sh.email = crosswalk.email)`, offset, limit)
}

// PageCrosswalkPairsWithoutShadow returns complete pairs that still lack a
// shadow (backfill phase 3).
func (s queries) PageCrosswalkPairsWithoutShadow(ctx context.Context, offset, limit int) ([]model.CrosswalkRow, error) {
	return s.pageCrosswalk(ctx,
		`WHERE a_id IS NOT NULL AND b_id IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM shadows sh WHERE sh.email = crosswalk.email)`, offset, limit)
}

func (s queries) pageCrosswalk(ctx context.Context, where string, offset, limit int) ([]model.CrosswalkRow, error) {
	rows, err := s.q.Query(ctx,
		fmt.Sprintf(`%s %s ORDER BY email ASC OFFSET $1 LIMIT $2`, crosswalkSelect, where),
		offset, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: page crosswalk: %w", err)
	}
	defer rows.Close()

	var out []model.CrosswalkRow
	for rows.Next() {
		r, err := scanCrosswalk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
