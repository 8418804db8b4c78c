// Package migrations embeds the SQL schema files into the binary so the
// capture catalog can be created without the files on disk.
package migrations

import "embed"

// FS holds the *.sql migration files at its root.
//
//go:embed *.sql
var FS embed.FS
