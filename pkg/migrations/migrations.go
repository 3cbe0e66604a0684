// Package migrations holds the SQL migration files, embedded so the binary
// can migrate its own schema on startup.
package migrations

import "embed"

//go:embed sql
var FS embed.FS
