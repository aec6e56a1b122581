// Package migrations embeds the SQL schema for the Postgres run store.
package migrations

import "embed"

// FS holds every forward-only migration in this directory, applied in
// filename order by storage.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
