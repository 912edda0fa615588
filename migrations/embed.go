// Package migrations holds the per-tenant schema as ordered SQL files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
