package store

import "embed"

// EmbeddedMigrations holds the SQL migrations compiled into the binary, so
// the daemon can bootstrap its schema without external files at runtime.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
