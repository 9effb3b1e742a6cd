// Package migrations holds the portal's SQL schema, applied in filename
// order by the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
