// Package migrations embeds the SQL schema migrations applied by goose.
package migrations

import "embed"

// Postgres holds migrations for the postgres backend.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite holds migrations for the sqlite backend.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
