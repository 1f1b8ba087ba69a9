package db

// Pluggable driver layer. Each adapter knows how to open a *sql.DB for its
// driver with a bounded connect timeout, which SQL dialect it speaks and how
// to translate its errors.

import (
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// Dialect names, used to pick a migration directory.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// ─────────────────────────────────────────────────────────────────────────────
// Driver interface
// ─────────────────────────────────────────────────────────────────────────────

// Driver encapsulates database-specific behaviour.
//
// Implement Driver to add support for a new database without modifying the
// pool itself.
type Driver interface {
	// Name is the key used in Config.DriverName, e.g. "pgx".
	Name() string

	// Dialect is the SQL flavour the driver speaks.
	Dialect() string

	// Open builds a *sql.DB for dsn. Every new physical connection must give
	// up after connectTimeout. Open must not dial.
	Open(dsn string, connectTimeout time.Duration) (*sql.DB, error)

	// ErrorMapper returns a mapper tuned to this driver's error types.
	ErrorMapper() ErrorMapper
}

// ─────────────────────────────────────────────────────────────────────────────
// Driver registry
// ─────────────────────────────────────────────────────────────────────────────

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver adds a Driver to the global registry.
// Panics if a driver with the same name is already registered (use ReplaceDriver
// to override).
func RegisterDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, ok := drivers[d.Name()]; ok {
		panic(fmt.Sprintf("userstore/db: driver %q already registered", d.Name()))
	}
	drivers[d.Name()] = d
}

// ReplaceDriver upserts a driver in the registry (no panic on collision).
func ReplaceDriver(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[d.Name()] = d
}

// LookupDriver returns the registered Driver by name or an error.
func LookupDriver(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("userstore/db: driver %q not registered", name)
	}
	return d, nil
}

func init() {
	RegisterDriver(PgxDriver{})
	RegisterDriver(PostgresDriver{})
}

// ─────────────────────────────────────────────────────────────────────────────
// PostgreSQL via pgx (default)
// ─────────────────────────────────────────────────────────────────────────────

// PgxDriver is the jackc/pgx adapter, used through pgx's database/sql shim.
type PgxDriver struct{}

func (PgxDriver) Name() string             { return "pgx" }
func (PgxDriver) Dialect() string          { return DialectPostgres }
func (PgxDriver) ErrorMapper() ErrorMapper { return PostgresErrorMapper() }

func (PgxDriver) Open(dsn string, connectTimeout time.Duration) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx driver: parse DSN: %w", err)
	}
	if connectTimeout > 0 {
		cfg.ConnectTimeout = connectTimeout
	}
	return stdlib.OpenDB(*cfg), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PostgreSQL via lib/pq
// ─────────────────────────────────────────────────────────────────────────────

// PostgresDriver is the lib/pq adapter.
type PostgresDriver struct{}

func (PostgresDriver) Name() string             { return "postgres" }
func (PostgresDriver) Dialect() string          { return DialectPostgres }
func (PostgresDriver) ErrorMapper() ErrorMapper { return PostgresErrorMapper() }

func (PostgresDriver) Open(dsn string, connectTimeout time.Duration) (*sql.DB, error) {
	dsn, err := withPQConnectTimeout(dsn, connectTimeout)
	if err != nil {
		return nil, err
	}
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres driver: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// withPQConnectTimeout adds lib/pq's connect_timeout parameter (whole
// seconds, rounded up) unless the DSN already sets one.
func withPQConnectTimeout(dsn string, d time.Duration) (string, error) {
	if d <= 0 || strings.Contains(dsn, "connect_timeout") {
		return dsn, nil
	}
	secs := strconv.Itoa(int(math.Ceil(d.Seconds())))

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("postgres driver: parse DSN: %w", err)
		}
		q := u.Query()
		q.Set("connect_timeout", secs)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return strings.TrimSpace(dsn + " connect_timeout=" + secs), nil
}
