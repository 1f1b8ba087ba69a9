package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tx: transaction wrapper
// ─────────────────────────────────────────────────────────────────────────────

// Tx is a thin wrapper around *sql.Tx that mirrors the Conn API surface so
// that repository and migrator code can accept either via Querier.
type Tx struct {
	sqltx  *sql.Tx
	hooks  hookChain
	errMap ErrorMapper
}

// Exec executes a statement that does not return rows.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	t.hooks.Before(ctx, query, args)
	res, err := t.sqltx.ExecContext(ctx, query, args...)
	err = t.mapErr(err)
	t.hooks.After(ctx, query, args, time.Since(start), err)
	return res, err
}

// Query executes a query returning rows. The caller MUST close *sql.Rows.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	t.hooks.Before(ctx, query, args)
	rows, err := t.sqltx.QueryContext(ctx, query, args...)
	err = t.mapErr(err)
	t.hooks.After(ctx, query, args, time.Since(start), err)
	return rows, err
}

// QueryRow executes a query expected to return at most one row.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *Row {
	start := time.Now()
	t.hooks.Before(ctx, query, args)
	return &Row{
		raw:    t.sqltx.QueryRowContext(ctx, query, args...),
		errMap: t.errMap,
		hooks:  t.hooks,
		ctx:    ctx,
		query:  query,
		args:   args,
		start:  start,
	}
}

func (t *Tx) mapErr(err error) error {
	if err == nil {
		return nil
	}
	return t.errMap.Map(err)
}

// ─────────────────────────────────────────────────────────────────────────────
// ExecTx: transactions on an acquired connection
// ─────────────────────────────────────────────────────────────────────────────

// ExecTx starts a transaction on c, executes fn, and commits on success or
// rolls back on error or panic. The connection stays checked out for the
// whole transaction; releasing it remains the caller's job.
//
//	err := pool.WithConn(ctx, func(c *db.Conn) error {
//	    return c.ExecTx(ctx, func(tx *db.Tx) error {
//	        _, err := tx.Exec(ctx, "UPDATE users SET name = $1 WHERE id = $2", name, id)
//	        return err
//	    })
//	})
func (c *Conn) ExecTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqltx, err := c.raw.BeginTx(ctx, nil)
	if err != nil {
		return c.mapErr(err)
	}

	tx := &Tx{
		sqltx:  sqltx,
		hooks:  c.pool.hooks,
		errMap: c.pool.errMap,
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqltx.Rollback()
			panic(p) // re-panic after rollback
		}
		if err != nil {
			if rbErr := sqltx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("userstore/db: rollback failed (%v) after original error: %w", rbErr, err)
			}
		}
	}()

	err = fn(tx)
	if err != nil {
		return c.mapErr(err) // rollback handled by defer
	}

	if err = sqltx.Commit(); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Querier: the shared interface accepted by repositories
// ─────────────────────────────────────────────────────────────────────────────

// Querier is the minimal interface shared by *Conn and *Tx.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *Row
}

// Verify at compile-time that both *Conn and *Tx satisfy Querier.
var (
	_ Querier = (*Conn)(nil)
	_ Querier = (*Tx)(nil)
)
