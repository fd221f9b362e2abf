// Package migrations embeds the SQLite schema so the store works regardless
// of working directory.
package migrations

import "embed"

// FS contains every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
