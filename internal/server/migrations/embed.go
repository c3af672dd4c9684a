// Package migrations embeds the goose SQL migrations for the member
// directory and its change outbox.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
