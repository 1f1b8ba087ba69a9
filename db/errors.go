package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sentinel errors
// ─────────────────────────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned when a query matches no rows.
	ErrNotFound = errors.New("userstore/db: record not found")

	// ErrDuplicateKey is returned on unique constraint violations.
	ErrDuplicateKey = errors.New("userstore/db: duplicate key")

	// ErrForeignKeyViolation is returned when a foreign key constraint is violated.
	ErrForeignKeyViolation = errors.New("userstore/db: foreign key violation")

	// ErrDeadlock is returned when the database detects a deadlock.
	ErrDeadlock = errors.New("userstore/db: deadlock detected")

	// ErrTimeout is returned when a statement exceeds its deadline.
	ErrTimeout = errors.New("userstore/db: query timeout")

	// ErrCheckViolation is returned when a CHECK or NOT NULL constraint is violated.
	ErrCheckViolation = errors.New("userstore/db: check constraint violation")

	// ErrConnectionFailed is returned when a statement fails because the
	// transport to the server broke.
	ErrConnectionFailed = errors.New("userstore/db: connection failed")
)

func IsNotFound(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsDuplicateKey(err error) bool     { return errors.Is(err, ErrDuplicateKey) }
func IsDeadlock(err error) bool         { return errors.Is(err, ErrDeadlock) }
func IsTimeout(err error) bool          { return errors.Is(err, ErrTimeout) }
func IsCheckViolation(err error) bool   { return errors.Is(err, ErrCheckViolation) }
func IsConnectionFailed(err error) bool { return errors.Is(err, ErrConnectionFailed) }

// ─────────────────────────────────────────────────────────────────────────────
// DBError: rich error type preserving original driver error
// ─────────────────────────────────────────────────────────────────────────────

// DBError wraps a sentinel error with the original driver error so callers can
// either use errors.Is(err, ErrDuplicateKey) for simple checks or inspect the
// raw driver error for additional context.
type DBError struct {
	// Sentinel is one of the package-level Err* variables.
	Sentinel error
	// Cause is the original driver error.
	Cause error
	// Constraint names the violated constraint when the driver reports it.
	Constraint string
}

func (e *DBError) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Sentinel, e.Constraint, e.Cause)
	}
	return fmt.Sprintf("%s (cause: %v)", e.Sentinel, e.Cause)
}

func (e *DBError) Is(target error) bool { return errors.Is(e.Sentinel, target) }
func (e *DBError) Unwrap() error        { return e.Cause }

// ─────────────────────────────────────────────────────────────────────────────
// PoolError: failures to obtain a connection
// ─────────────────────────────────────────────────────────────────────────────

// PoolErrorKind classifies a PoolError.
type PoolErrorKind int

const (
	// AcquireTimeout means no connection became free within AcquireTimeout.
	AcquireTimeout PoolErrorKind = iota + 1
	// ConnectFailure means a new connection could not be established.
	ConnectFailure
)

func (k PoolErrorKind) String() string {
	switch k {
	case AcquireTimeout:
		return "acquire timeout"
	case ConnectFailure:
		return "connect failure"
	default:
		return "unknown"
	}
}

var (
	// ErrAcquireTimeout matches every PoolError of kind AcquireTimeout.
	ErrAcquireTimeout = errors.New("userstore/db: connection acquire timed out")
	// ErrConnectFailure matches every PoolError of kind ConnectFailure.
	ErrConnectFailure = errors.New("userstore/db: could not connect to database")
)

// PoolError is returned by Open, Acquire and Probe. The pool never retries
// on its own; callers decide whether to report or retry.
type PoolError struct {
	Kind  PoolErrorKind
	Cause error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("%s (cause: %v)", e.sentinel(), e.Cause)
}

func (e *PoolError) Is(target error) bool { return target == e.sentinel() }
func (e *PoolError) Unwrap() error        { return e.Cause }

func (e *PoolError) sentinel() error {
	if e.Kind == AcquireTimeout {
		return ErrAcquireTimeout
	}
	return ErrConnectFailure
}

func IsAcquireTimeout(err error) bool { return errors.Is(err, ErrAcquireTimeout) }
func IsConnectFailure(err error) bool { return errors.Is(err, ErrConnectFailure) }

// ─────────────────────────────────────────────────────────────────────────────
// ErrorMapper interface: pluggable per driver
// ─────────────────────────────────────────────────────────────────────────────

// ErrorMapper translates raw driver errors into the package's sentinel errors.
type ErrorMapper interface {
	Map(err error) error
}

// ErrorMapperFunc is a convenience adapter from a function to ErrorMapper.
type ErrorMapperFunc func(error) error

func (f ErrorMapperFunc) Map(err error) error { return f(err) }

// DefaultErrorMapper returns a mapper covering pgx, lib/pq and SQLite.
func DefaultErrorMapper() ErrorMapper {
	return ErrorMapperFunc(defaultMap)
}

func defaultMap(err error) error {
	if err == nil {
		return nil
	}

	// Already mapped: do not double-wrap. errors.Is below would see through
	// DBError and PoolError causes.
	var dbe *DBError
	if errors.As(err, &dbe) {
		return err
	}
	var pe *PoolError
	if errors.As(err, &pe) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return &DBError{Sentinel: ErrNotFound, Cause: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &DBError{Sentinel: ErrTimeout, Cause: err}
	}

	if mapped := mapPGXError(err); mapped != nil {
		return mapped
	}
	if mapped := mapPQError(err); mapped != nil {
		return mapped
	}
	if mapped := mapSQLiteError(err); mapped != nil {
		return mapped
	}
	if mapped := mapTransportError(err); mapped != nil {
		return mapped
	}
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// PostgreSQL mapping (pgx and lib/pq)
// ─────────────────────────────────────────────────────────────────────────────

func mapPGXError(err error) error {
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		return mapByPGCode(pge.Code, pge.ConstraintName, err)
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return &DBError{Sentinel: ErrConnectionFailed, Cause: err}
	}
	return nil
}

func mapPQError(err error) error {
	var pqe *pq.Error
	if !errors.As(err, &pqe) {
		return nil
	}
	return mapByPGCode(string(pqe.Code), pqe.Constraint, err)
}

// PostgreSQL SQLSTATE codes: https://www.postgresql.org/docs/current/errcodes-appendix.html
func mapByPGCode(code, constraint string, cause error) error {
	switch code {
	case "23505": // unique_violation
		return &DBError{Sentinel: ErrDuplicateKey, Cause: cause, Constraint: constraint}
	case "23503": // foreign_key_violation
		return &DBError{Sentinel: ErrForeignKeyViolation, Cause: cause, Constraint: constraint}
	case "23514", "23502": // check_violation, not_null_violation
		return &DBError{Sentinel: ErrCheckViolation, Cause: cause, Constraint: constraint}
	case "40P01": // deadlock_detected
		return &DBError{Sentinel: ErrDeadlock, Cause: cause}
	case "57014": // query_canceled (statement_timeout)
		return &DBError{Sentinel: ErrTimeout, Cause: cause}
	case "08000", "08003", "08006", "08001", "08004", "08007", "08P01", "57P01":
		return &DBError{Sentinel: ErrConnectionFailed, Cause: cause}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SQLite mapping (string-based so the cgo driver stays optional)
// ─────────────────────────────────────────────────────────────────────────────

func mapSQLiteError(err error) error {
	s := err.Error()
	switch {
	case strings.Contains(s, "UNIQUE constraint failed"):
		return &DBError{Sentinel: ErrDuplicateKey, Cause: err}
	case strings.Contains(s, "FOREIGN KEY constraint failed"):
		return &DBError{Sentinel: ErrForeignKeyViolation, Cause: err}
	case strings.Contains(s, "CHECK constraint failed"), strings.Contains(s, "NOT NULL constraint failed"):
		return &DBError{Sentinel: ErrCheckViolation, Cause: err}
	case strings.Contains(s, "database is locked"):
		return &DBError{Sentinel: ErrDeadlock, Cause: err}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Transport failures
// ─────────────────────────────────────────────────────────────────────────────

func mapTransportError(err error) error {
	var ne net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &ne) {
		return &DBError{Sentinel: ErrConnectionFailed, Cause: err}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Driver-specific mappers
// ─────────────────────────────────────────────────────────────────────────────

// PostgresErrorMapper maps pgx and lib/pq errors only, leaving anything
// else untouched so it can be chained in front of DefaultErrorMapper.
func PostgresErrorMapper() ErrorMapper {
	return ErrorMapperFunc(func(err error) error {
		if err == nil {
			return nil
		}
		if mapped := mapPGXError(err); mapped != nil {
			return mapped
		}
		if mapped := mapPQError(err); mapped != nil {
			return mapped
		}
		return err
	})
}

// SQLiteErrorMapper maps SQLite constraint and locking errors only.
func SQLiteErrorMapper() ErrorMapper {
	return ErrorMapperFunc(func(err error) error {
		if err == nil {
			return nil
		}
		if mapped := mapSQLiteError(err); mapped != nil {
			return mapped
		}
		return err
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// ChainedMapper: compose multiple mappers (first match wins)
// ─────────────────────────────────────────────────────────────────────────────

// ChainMapper returns an ErrorMapper that tries each mapper in order,
// returning the first remapped error.
func ChainMapper(mappers ...ErrorMapper) ErrorMapper {
	return ErrorMapperFunc(func(err error) error {
		if err == nil {
			return nil
		}
		for _, m := range mappers {
			if mapped := m.Map(err); mapped != err {
				return mapped
			}
		}
		return err
	})
}
