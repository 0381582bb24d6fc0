package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/praxis-crm/syncbridge/internal/model"
)

// AppendSyncLog appends one event to the append-only sync log. A duplicate
// dedupe key means a retry reproduced an already-recorded event; the
// insert is silently skipped.
func (s queries) AppendSyncLog(ctx context.Context, e model.SyncLogEntry) error {
	var field *string
	if e.Field != nil {
		f := string(*e.Field)
		field = &f
	}
	oldRaw, err := marshalOptValue(e.OldValue)
	if err != nil {
		return fmt.Errorf("storage: encode log old_value: %w", err)
	}
	newRaw, err := marshalOptValue(e.NewValue)
	if err != nil {
		return fmt.Errorf("storage: encode log new_value: %w", err)
	}

	_, err = s.q.Exec(ctx, `
		INSERT INTO sync_log (email, field, action, direction, result, old_value, new_value, dedupe_key, error_type, status_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		model.CanonicalEmail(e.Email), field,
		string(e.Action), string(e.Direction), string(e.Result),
		oldRaw, newRaw, e.DedupeKey, e.ErrorType, e.StatusCode)
	if err != nil {
		return fmt.Errorf("storage: append sync log: %w", err)
	}
	return nil
}

// RecentSyncLog returns the newest log entries for an email (operator
// drill-down).
func (s queries) RecentSyncLog(ctx context.Context, email string, limit int) ([]model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.Query(ctx, `
		SELECT id, created_at, email, field, action, direction, result, old_value, new_value, dedupe_key, error_type, status_code
		FROM sync_log WHERE email = $1 ORDER BY id DESC LIMIT $2`,
		model.CanonicalEmail(email), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query sync log: %w", err)
	}
	defer rows.Close()

	var out []model.SyncLogEntry
	for rows.Next() {
		var (
			e              model.SyncLogEntry
			field          *string
			action, dir    string
			result         string
			oldRaw, newRaw []byte
		)
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Email, &field, &action, &dir, &result,
			&oldRaw, &newRaw, &e.DedupeKey, &e.ErrorType, &e.StatusCode); err != nil {
			return nil, fmt.Errorf("storage: scan sync log: %w", err)
		}
		if field != nil {
			f := model.ManagedField(*field)
			e.Field = &f
		}
		e.Action = model.SyncAction(action)
		e.Direction = model.Direction(dir)
		e.Result = model.SyncResult(result)
		if e.OldValue, err = unmarshalOptValue(oldRaw); err != nil {
			return nil, err
		}
		if e.NewValue, err = unmarshalOptValue(newRaw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalOptValue(v *model.FieldValue) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(*v)
}

func unmarshalOptValue(raw []byte) (*model.FieldValue, error) {
	if raw == nil {
		return nil, nil
	}
	var v model.FieldValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("storage: decode log value: %w", err)
	}
	return &v, nil
}
