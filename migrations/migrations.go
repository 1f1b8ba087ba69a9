// Package migrations embeds the versioned schema scripts, one directory per
// SQL dialect. File names follow NNNN_name.up.sql.
package migrations

import (
	"embed"
	"io/fs"

	"github.com/go-extras/go-kit/must"
)

//go:embed postgres/*.sql sqlite3/*.sql
var FS embed.FS

// For returns the scripts for dialect ("postgres" or "sqlite3") rooted at the
// dialect directory.
func For(dialect string) fs.FS {
	return must.Must(fs.Sub(FS, dialect))
}
