// Package migrations embeds the SQLite schema of the sqlite provider.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
