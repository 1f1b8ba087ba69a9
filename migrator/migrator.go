// Package migrator brings the schema to the latest known version before the
// service accepts traffic. Migrations are forward-only: each one runs in its
// own transaction together with the insert of its schema_migrations record,
// so a version is either fully applied and recorded or not at all.
package migrator

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/Skryldev/userstore/db"
)

const (
	createMigrationsTableSQL = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    BIGINT    PRIMARY KEY,
			name       TEXT      NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`

	selectAppliedSQL = `
		SELECT version, name, applied_at
		FROM   schema_migrations
		ORDER  BY version`

	selectRecordedSQL = `SELECT COUNT(*) FROM schema_migrations WHERE version = $1`

	insertRecordSQL = `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)`
)

// MigrationError reports the migration that could not be applied. Nothing of
// that migration was committed; earlier migrations in the same run were.
type MigrationError struct {
	Version uint
	Name    string
	Cause   error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %04d_%s failed: %v", e.Version, e.Name, e.Cause)
}

func (e *MigrationError) Unwrap() error { return e.Cause }

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   uint      `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status represents the current state of migrations.
type Status struct {
	CurrentVersion uint               `json:"current_version"`
	Applied        []AppliedMigration `json:"applied"`
	Pending        []Migration        `json:"pending"`
}

// HasPending reports whether any known migration is not yet applied.
func (s *Status) HasPending() bool { return len(s.Pending) > 0 }

// Migrator applies a fixed, ordered set of migrations through a pool.
type Migrator struct {
	pool       *db.Pool
	migrations []Migration
	logger     *slog.Logger
	now        func() time.Time
}

// New loads the migrations found at the root of fsys (see Load).
func New(pool *db.Pool, fsys fs.FS, logger *slog.Logger) (*Migrator, error) {
	migrations, err := Load(fsys)
	if err != nil {
		return nil, err
	}
	return NewFromMigrations(pool, migrations, logger)
}

// NewFromMigrations builds a migrator over an explicit list. The list is
// sorted by version; duplicates are rejected.
func NewFromMigrations(pool *db.Pool, migrations []Migration, logger *slog.Logger) (*Migrator, error) {
	sorted, err := sortMigrations(migrations)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		pool:       pool,
		migrations: sorted,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Migrations returns the known migrations in ascending version order.
func (m *Migrator) Migrations() []Migration {
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	return out
}

// ApplyPending creates the bookkeeping table if needed and applies every
// unrecorded migration in ascending version order. It returns the number of
// migrations applied. Running it again against an up-to-date store is a
// no-op. The first failure stops the run with a *MigrationError.
func (m *Migrator) ApplyPending(ctx context.Context) (int, error) {
	if err := m.initialize(ctx); err != nil {
		return 0, err
	}

	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		m.logger.Debug("schema is up to date")
		return 0, nil
	}

	applied := 0
	for _, mig := range pending {
		start := time.Now()
		ran, err := m.apply(ctx, mig)
		if err != nil {
			m.logger.Error("migration failed",
				slog.Uint64("version", uint64(mig.Version)),
				slog.String("name", mig.Name),
				slog.Any("error", err))
			return applied, &MigrationError{Version: mig.Version, Name: mig.Name, Cause: err}
		}
		if !ran {
			continue
		}
		applied++
		m.logger.Info("applied migration",
			slog.Uint64("version", uint64(mig.Version)),
			slog.String("name", mig.Name),
			slog.Duration("duration", time.Since(start)))
	}
	return applied, nil
}

// apply runs one migration and records it in the same transaction. The
// record is checked again inside the transaction so a concurrent runner
// that got there first turns this call into a no-op.
func (m *Migrator) apply(ctx context.Context, mig Migration) (bool, error) {
	ran := false
	err := m.pool.WithConn(ctx, func(conn *db.Conn) error {
		return conn.ExecTx(ctx, func(tx *db.Tx) error {
			done, err := recorded(ctx, tx, mig.Version)
			if err != nil || done {
				return err
			}
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return err
			}
			if err := m.record(ctx, tx, mig); err != nil {
				return err
			}
			ran = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return ran, nil
}

func recorded(ctx context.Context, q db.Querier, version uint) (bool, error) {
	var n int
	if err := q.QueryRow(ctx, selectRecordedSQL, int64(version)).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *Migrator) record(ctx context.Context, q db.Querier, mig Migration) error {
	_, err := q.Exec(ctx, insertRecordSQL, int64(mig.Version), mig.Name, m.now().UTC())
	return err
}

func (m *Migrator) initialize(ctx context.Context) error {
	err := m.pool.WithConn(ctx, func(conn *db.Conn) error {
		_, err := conn.Exec(ctx, createMigrationsTableSQL)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Applied returns the recorded migrations in ascending version order.
func (m *Migrator) Applied(ctx context.Context) ([]AppliedMigration, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	var applied []AppliedMigration
	err := m.pool.WithConn(ctx, func(conn *db.Conn) error {
		rows, err := conn.Query(ctx, selectAppliedSQL)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec     AppliedMigration
				version int64
			)
			if err := rows.Scan(&version, &rec.Name, &rec.AppliedAt); err != nil {
				return err
			}
			rec.Version = uint(version)
			applied = append(applied, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	return applied, nil
}

// CurrentVersion returns the highest recorded version, or 0 when nothing
// has been applied.
func (m *Migrator) CurrentVersion(ctx context.Context) (uint, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	if len(applied) == 0 {
		return 0, nil
	}
	return applied[len(applied)-1].Version, nil
}

// Pending returns the known migrations that have no record yet, in
// ascending version order. A gap left below the current version is
// reported too.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}
	return pendingOf(m.migrations, applied), nil
}

// Status returns the current version together with applied and pending
// migrations.
func (m *Migrator) Status(ctx context.Context) (*Status, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Applied: applied,
		Pending: pendingOf(m.migrations, applied),
	}
	if len(applied) > 0 {
		st.CurrentVersion = applied[len(applied)-1].Version
	}
	return st, nil
}

func pendingOf(known []Migration, applied []AppliedMigration) []Migration {
	recorded := make(map[uint]struct{}, len(applied))
	for _, a := range applied {
		recorded[a.Version] = struct{}{}
	}

	var pending []Migration
	for _, mig := range known {
		if _, ok := recorded[mig.Version]; !ok {
			pending = append(pending, mig)
		}
	}
	return pending
}
