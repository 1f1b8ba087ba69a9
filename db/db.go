// Package db owns the bounded connection pool behind the user store. It is
// NOT an ORM: every statement is explicit SQL executed on a connection that
// the caller acquires, uses exclusively and releases.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultMaxConns            = 10
	DefaultMinIdleConns        = 1
	DefaultConnectTimeout      = 5 * time.Second
	DefaultIdleTimeout         = 300 * time.Second
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultMaintenanceInterval = 30 * time.Second
)

// Config holds all options for opening the pool. It is copied into the Pool
// on Open and never mutated afterwards; reconfiguration needs a new Pool.
type Config struct {
	// DSN is the driver-specific connection string.
	DSN string

	// DriverName selects a registered Driver: "pgx", "postgres" or "sqlite3".
	DriverName string

	// Pool bounds. MaxIdleConns of database/sql is pinned to MaxConns so
	// released connections stay warm until IdleTimeout.
	MaxConns     int
	MinIdleConns int

	// ConnectTimeout bounds dialing a new connection and the initial ping.
	ConnectTimeout time.Duration
	// IdleTimeout closes connections that stayed idle longer than this.
	IdleTimeout time.Duration
	// AcquireTimeout bounds how long Acquire waits for a free connection.
	AcquireTimeout time.Duration
	// MaintenanceInterval is how often the pool tops idle connections back
	// up to MinIdleConns. Negative disables the loop.
	MaintenanceInterval time.Duration

	// Hooks executed around every statement. Nil entries are skipped.
	Hooks []Hook

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config carrying the documented pool defaults.
func DefaultConfig() Config {
	return Config{
		DriverName:          "pgx",
		MaxConns:            DefaultMaxConns,
		MinIdleConns:        DefaultMinIdleConns,
		ConnectTimeout:      DefaultConnectTimeout,
		IdleTimeout:         DefaultIdleTimeout,
		AcquireTimeout:      DefaultAcquireTimeout,
		MaintenanceInterval: DefaultMaintenanceInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.DriverName == "" {
		c.DriverName = "pgx"
	}
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.DSN == "":
		return errors.New("userstore/db: DSN must not be empty")
	case c.MaxConns < 1:
		return fmt.Errorf("userstore/db: MaxConns must be positive, got %d", c.MaxConns)
	case c.MinIdleConns < 0:
		return fmt.Errorf("userstore/db: MinIdleConns must not be negative, got %d", c.MinIdleConns)
	case c.MinIdleConns > c.MaxConns:
		return fmt.Errorf("userstore/db: MinIdleConns (%d) exceeds MaxConns (%d)", c.MinIdleConns, c.MaxConns)
	case c.ConnectTimeout < 0, c.IdleTimeout < 0, c.AcquireTimeout < 0:
		return errors.New("userstore/db: timeouts must not be negative")
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Pool: the central type
// ─────────────────────────────────────────────────────────────────────────────

// Pool is a bounded set of live connections to the store. It is constructed
// explicitly at startup, injected into its users and torn down with Close.
//
// Every unit of work acquires one *Conn, owns it exclusively and releases it
// on every exit path. WithConn does that bookkeeping for callers.
type Pool struct {
	sqldb  *sql.DB
	cfg    Config
	driver Driver
	hooks  hookChain
	errMap ErrorMapper
	logger *slog.Logger

	acquireTimeouts atomic.Int64
	connectFailures atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open builds the pool described by cfg, verifies connectivity within
// ConnectTimeout and warms MinIdleConns connections. Any failure to reach
// the store is returned as a *PoolError of kind ConnectFailure.
func Open(ctx context.Context, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	drv, err := LookupDriver(cfg.DriverName)
	if err != nil {
		return nil, err
	}

	sqldb, err := drv.Open(cfg.DSN, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("userstore/db: open: %w", err)
	}

	sqldb.SetMaxOpenConns(cfg.MaxConns)
	sqldb.SetMaxIdleConns(cfg.MaxConns)
	sqldb.SetConnMaxIdleTime(cfg.IdleTimeout)

	p := &Pool{
		sqldb:  sqldb,
		cfg:    cfg,
		driver: drv,
		hooks:  newHookChain(cfg.Hooks),
		errMap: ChainMapper(drv.ErrorMapper(), DefaultErrorMapper()),
		logger: cfg.Logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := sqldb.PingContext(connectCtx); err != nil {
		_ = sqldb.Close()
		return nil, &PoolError{Kind: ConnectFailure, Cause: err}
	}
	if err := p.fillIdle(connectCtx); err != nil {
		_ = sqldb.Close()
		return nil, err
	}

	if cfg.MaintenanceInterval > 0 {
		go p.maintain(cfg.MaintenanceInterval)
	} else {
		close(p.done)
	}

	p.logger.Debug("userstore/db: pool opened",
		slog.String("driver", drv.Name()),
		slog.Int("max_conns", cfg.MaxConns),
		slog.Int("min_idle_conns", cfg.MinIdleConns))
	return p, nil
}

// Config returns the immutable configuration the pool was built with.
func (p *Pool) Config() Config { return p.cfg }

// Dialect names the SQL flavour spoken by the configured driver.
func (p *Pool) Dialect() string { return p.driver.Dialect() }

// Close stops the maintenance loop and closes every connection. Connections
// still checked out are closed as their holders release them.
// Safe to call multiple times.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		err = p.sqldb.Close()
	})
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// Acquire / release
// ─────────────────────────────────────────────────────────────────────────────

// Acquire checks a connection out of the pool. It waits until one is free or
// AcquireTimeout elapses (or ctx ends first) and then fails with a
// *PoolError of kind AcquireTimeout. The caller MUST call Release.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	raw, err := p.sqldb.Conn(acquireCtx)
	if err != nil {
		return nil, p.classifyAcquire(acquireCtx, err)
	}
	return &Conn{raw: raw, pool: p}, nil
}

// WithConn acquires a connection, runs fn on it and releases it whatever fn
// returns, including on panic.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// Probe acquires a connection, pings the store over it and releases it. It
// never touches application tables.
func (p *Pool) Probe(ctx context.Context) error {
	return p.WithConn(ctx, func(c *Conn) error {
		return c.Ping(ctx)
	})
}

func (p *Pool) classifyAcquire(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		p.acquireTimeouts.Add(1)
		p.logger.Warn("userstore/db: acquire timed out",
			slog.Duration("acquire_timeout", p.cfg.AcquireTimeout),
			slog.Int("in_use", p.sqldb.Stats().InUse))
		return &PoolError{Kind: AcquireTimeout, Cause: err}
	}
	p.connectFailures.Add(1)
	p.logger.Error("userstore/db: connect failed", slog.Any("error", err))
	return &PoolError{Kind: ConnectFailure, Cause: err}
}

// ─────────────────────────────────────────────────────────────────────────────
// Min-idle maintenance
// ─────────────────────────────────────────────────────────────────────────────

func (p *Pool) maintain(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
			if err := p.fillIdle(ctx); err != nil {
				p.logger.Warn("userstore/db: min idle top-up failed", slog.Any("error", err))
			}
			cancel()
		}
	}
}

// fillIdle opens MinIdleConns minus the current idle count new
// connections, bounded by capacity that is not open at all, so traffic can
// still dial up to MaxConns while it runs.
func (p *Pool) fillIdle(ctx context.Context) error {
	st := p.sqldb.Stats()
	need := min(p.cfg.MinIdleConns-st.Idle, p.cfg.MaxConns-st.OpenConnections)
	if need <= 0 {
		return nil
	}
	target := st.OpenConnections + need

	// database/sql hands out idle connections before dialing, so the ones
	// already idle are held too until the new ones exist. The loop stops as
	// soon as enough connections are open, whoever opened them.
	held := make([]*sql.Conn, 0, st.Idle+need)
	defer func() {
		for _, c := range held {
			_ = c.Close()
		}
	}()
	for range st.Idle + need {
		if p.sqldb.Stats().OpenConnections >= target {
			break
		}
		c, err := p.sqldb.Conn(ctx)
		if err != nil {
			p.connectFailures.Add(1)
			return &PoolError{Kind: ConnectFailure, Cause: err}
		}
		held = append(held, c)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Stats
// ─────────────────────────────────────────────────────────────────────────────

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	MaxConns        int
	Open            int
	InUse           int
	Idle            int
	WaitCount       int64
	WaitDuration    time.Duration
	IdleClosed      int64
	AcquireTimeouts int64
	ConnectFailures int64
}

// Stats returns pool statistics for monitoring.
func (p *Pool) Stats() Stats {
	st := p.sqldb.Stats()
	return Stats{
		MaxConns:        st.MaxOpenConnections,
		Open:            st.OpenConnections,
		InUse:           st.InUse,
		Idle:            st.Idle,
		WaitCount:       st.WaitCount,
		WaitDuration:    st.WaitDuration,
		IdleClosed:      st.MaxIdleTimeClosed,
		AcquireTimeouts: p.acquireTimeouts.Load(),
		ConnectFailures: p.connectFailures.Load(),
	}
}

// LogValue lets a Stats value be logged as a structured group.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("max", s.MaxConns),
		slog.Int("open", s.Open),
		slog.Int("in_use", s.InUse),
		slog.Int("idle", s.Idle),
		slog.Int64("wait_count", s.WaitCount),
		slog.Int64("acquire_timeouts", s.AcquireTimeouts),
		slog.Int64("connect_failures", s.ConnectFailures),
	)
}
