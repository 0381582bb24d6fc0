package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/praxis-crm/syncbridge/internal/model"
)

// clientColumns maps managed fields onto clients table columns. The sync
// core never touches columns outside this set; everything else on the
// clients table belongs to the main application.
var clientColumns = map[model.ManagedField]string{
	model.FieldFirstName: "first_name",
	model.FieldLastName:  "last_name",
	model.FieldPhone:     "phone",
	model.FieldCity:      "city",
	model.FieldCountry:   "country",
}

func scanClient(row pgx.Row) (*model.Client, error) {
	var c model.Client
	vals := make(map[model.ManagedField]*string, len(clientColumns))
	var first, last, phone, city, country *string

	err := row.Scan(&c.ID, &c.Email, &first, &last, &phone, &city, &country, &c.MailerLiteID, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan client: %w", err)
	}

	vals[model.FieldFirstName] = first
	vals[model.FieldLastName] = last
	vals[model.FieldPhone] = phone
	vals[model.FieldCity] = city
	vals[model.FieldCountry] = country

	c.Fields = make(model.Fields, len(vals))
	for f, v := range vals {
		if v == nil {
			c.Fields[f] = model.Null()
		} else {
			c.Fields[f] = model.String(*v)
		}
	}
	return &c, nil
}

const clientSelect = `SELECT id, email, first_name, last_name, phone, city, country, mailerlite_id, updated_at FROM clients`

// GetClientByEmail loads the managed projection of one client row.
func (s queries) GetClientByEmail(ctx context.Context, email string) (*model.Client, error) {
	return scanClient(s.q.QueryRow(ctx, clientSelect+` WHERE email = $1`, model.CanonicalEmail(email)))
}

// CreateClient inserts a client row from B-side fields during import.
// The MailerLite id is mirrored onto the row only at creation; the
// crosswalk stays authoritative afterwards.
func (s queries) CreateClient(ctx context.Context, c model.Client) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO clients (email, first_name, last_name, phone, city, country, mailerlite_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		model.CanonicalEmail(c.Email),
		fieldArg(c.Fields, model.FieldFirstName),
		fieldArg(c.Fields, model.FieldLastName),
		fieldArg(c.Fields, model.FieldPhone),
		fieldArg(c.Fields, model.FieldCity),
		fieldArg(c.Fields, model.FieldCountry),
		c.MailerLiteID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: create client: %w", err)
	}
	return id, nil
}

// UpdateClientFields applies a column-scoped update of managed fields only,
// keyed by email. Fields absent from the map are left untouched.
func (s queries) UpdateClientFields(ctx context.Context, email string, fields model.Fields) error {
	if len(fields) == 0 {
		return nil
	}

	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	// Deterministic column order for stable statements.
	for _, f := range model.ManagedFields() {
		v, ok := fields[f]
		if !ok {
			continue
		}
		args = append(args, fieldValueArg(v))
		sets = append(sets, fmt.Sprintf("%s = $%d", clientColumns[f], len(args)))
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, model.CanonicalEmail(email))

	tag, err := s.q.Exec(ctx,
		fmt.Sprintf(`UPDATE clients SET %s WHERE email = $%d`, strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("storage: update client fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountClients returns the total client row count (backfill preflight).
func (s queries) CountClients(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM clients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count clients: %w", err)
	}
	return n, nil
}

// PageClients returns one offset page of clients ordered by email.
func (s queries) PageClients(ctx context.Context, offset, limit int) ([]model.Client, error) {
	rows, err := s.q.Query(ctx, clientSelect+` ORDER BY email ASC OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: page clients: %w", err)
	}
	defer rows.Close()

	var out []model.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func fieldArg(fields model.Fields, f model.ManagedField) any {
	return fieldValueArg(fields.Get(f))
}

func fieldValueArg(v model.FieldValue) any {
	if !v.Valid {
		return nil
	}
	return v.Str
}
