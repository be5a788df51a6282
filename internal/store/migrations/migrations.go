// Package migrations embeds the forward-only SQL migrations for relay.db.
package migrations

import "embed"

// FS holds every *.sql migration file.
//
//go:embed *.sql
var FS embed.FS
