package db

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Conn: an exclusively owned pooled connection
// ─────────────────────────────────────────────────────────────────────────────

// Conn is one connection checked out of the Pool. Exactly one goroutine may
// use it at a time and it must be released exactly once; Release is
// idempotent so a deferred call is always safe.
type Conn struct {
	raw  *sql.Conn
	pool *Pool
	once sync.Once
}

// Release returns the connection to the pool.
func (c *Conn) Release() {
	c.once.Do(func() {
		_ = c.raw.Close()
	})
}

// Ping verifies the connection is alive using the driver's native check.
func (c *Conn) Ping(ctx context.Context) error {
	return c.mapErr(c.raw.PingContext(ctx))
}

// Exec executes a statement that returns no rows (INSERT, UPDATE, DELETE, DDL).
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	c.pool.hooks.Before(ctx, query, args)
	res, err := c.raw.ExecContext(ctx, query, args...)
	err = c.mapErr(err)
	c.pool.hooks.After(ctx, query, args, time.Since(start), err)
	return res, err
}

// Query executes a query that returns rows.
// The caller MUST close the returned *sql.Rows before releasing the Conn.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	c.pool.hooks.Before(ctx, query, args)
	rows, err := c.raw.QueryContext(ctx, query, args...)
	err = c.mapErr(err)
	c.pool.hooks.After(ctx, query, args, time.Since(start), err)
	return rows, err
}

// QueryRow executes a query expected to return at most one row.
// ErrNotFound is returned from Scan when no row matches. Hooks see the
// statement complete once Scan has read the row.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) *Row {
	start := time.Now()
	c.pool.hooks.Before(ctx, query, args)
	return &Row{
		raw:    c.raw.QueryRowContext(ctx, query, args...),
		errMap: c.pool.errMap,
		hooks:  c.pool.hooks,
		ctx:    ctx,
		query:  query,
		args:   args,
		start:  start,
	}
}

func (c *Conn) mapErr(err error) error {
	if err == nil {
		return nil
	}
	return c.pool.errMap.Map(err)
}

// ─────────────────────────────────────────────────────────────────────────────
// Row: wraps *sql.Row to translate errors uniformly
// ─────────────────────────────────────────────────────────────────────────────

// Row wraps *sql.Row and maps errors through the unified error mapper. The
// driver reports most QueryRow failures (constraint violations on
// RETURNING, missing rows) only at Scan, so AfterQuery runs there.
type Row struct {
	raw    *sql.Row
	errMap ErrorMapper

	hooks hookChain
	ctx   context.Context
	query string
	args  []any
	start time.Time
}

// Scan copies columns from the matched row into dest values.
// ErrNotFound is returned when no row was found.
func (r *Row) Scan(dest ...any) error {
	err := r.errMap.Map(r.raw.Scan(dest...))
	r.hooks.After(r.ctx, r.query, r.args, time.Since(r.start), err)
	return err
}
