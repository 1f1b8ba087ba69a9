//go:build cgo

package db

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDriver is the mattn/go-sqlite3 adapter. It backs local runs and
// tests; connections are local so there is nothing to time out on dial.
type SQLiteDriver struct{}

func (SQLiteDriver) Name() string             { return "sqlite3" }
func (SQLiteDriver) Dialect() string          { return DialectSQLite }
func (SQLiteDriver) ErrorMapper() ErrorMapper { return SQLiteErrorMapper() }

func (SQLiteDriver) Open(dsn string, _ time.Duration) (*sql.DB, error) {
	return sql.Open("sqlite3", dsn)
}

func init() {
	RegisterDriver(SQLiteDriver{})
}
