// Package migrations embeds the goose SQL migrations for the
// document store so they ship inside the server binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
