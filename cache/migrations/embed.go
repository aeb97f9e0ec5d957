// Package migrations embeds the goose migration files for the cache store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
