package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SetState upserts a JSON document under a well-known sync_state key.
func (s queries) SetState(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode state %s: %w", key, err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("storage: set state %s: %w", key, err)
	}
	return nil
}

// GetState decodes the document under key into out. Returns ErrNotFound
// when the key is absent.
func (s queries) GetState(ctx context.Context, key string, out any) error {
	var raw []byte
	err := s.q.QueryRow(ctx, `SELECT value FROM sync_state WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: get state %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("storage: decode state %s: %w", key, err)
	}
	return nil
}

// DeleteState removes a key. Deleting an absent key is not an error.
func (s queries) DeleteState(ctx context.Context, key string) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM sync_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("storage: delete state %s: %w", key, err)
	}
	return nil
}
