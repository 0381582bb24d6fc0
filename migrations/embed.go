// Package migrations ships the schema as embedded SQL so the binary can
// migrate any database it is pointed at, regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order by
// the storage migration runner.
//
//go:embed *.sql
var FS embed.FS
