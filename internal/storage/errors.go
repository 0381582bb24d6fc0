package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrIDDowngrade is returned when a mutation would silently replace a
// populated crosswalk id with null. Explicit repair uses ClearBID instead.
var ErrIDDowngrade = errors.New("storage: refusing to null a populated id")

// IsUniqueViolation reports a Postgres unique-constraint violation.
// Idempotent retries expect these on dedupe keys and swallow them.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
