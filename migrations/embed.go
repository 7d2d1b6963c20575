// Package migrations embeds the SQL schema for the PostgreSQL rule provider
// so the binary can migrate a database without files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
