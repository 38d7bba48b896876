// Package migrations embeds the goose migration set for the Standard
// deployment profile's PostgreSQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
