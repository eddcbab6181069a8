// Package migrations embeds the schema migrations shared by both SQL dialects.
package migrations

import "embed"

// FS holds the *.up.sql files, applied in lexical order.
//
//go:embed *.up.sql
var FS embed.FS
