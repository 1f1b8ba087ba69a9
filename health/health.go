// Package health reports whether the service can currently reach its store.
// It exercises the pool directly and never queries entity tables.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Skryldev/userstore/db"
)

// Status is the outcome of a health check.
type Status int

const (
	Unhealthy Status = iota
	Degraded
	Healthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// MarshalText renders the status as its lower-case name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Report is one check result.
type Report struct {
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"-"`
	CheckedAt time.Time     `json:"checked_at"`
	// Error is the reason for a failed check. It is logged, not served.
	Error error `json:"-"`
}

// MarshalJSON adds the latency in milliseconds.
func (r Report) MarshalJSON() ([]byte, error) {
	type alias Report
	return json.Marshal(struct {
		alias
		LatencyMS float64 `json:"latency_ms"`
	}{alias(r), float64(r.Latency.Microseconds()) / 1000})
}

const (
	DefaultTimeout  = 2 * time.Second
	DefaultInterval = 15 * time.Second
)

// Config tunes the reporter.
type Config struct {
	// Timeout bounds one check, connection acquisition included.
	Timeout time.Duration
	// DegradedThreshold marks a successful check slower than this as
	// Degraded. Zero disables the Degraded state.
	DegradedThreshold time.Duration
	// Interval is the period of the background loop started by Run.
	Interval time.Duration
}

// Pinger is the part of *db.Pool the reporter needs.
type Pinger interface {
	WithConn(ctx context.Context, fn func(*db.Conn) error) error
}

// Reporter probes the store on demand and, if Run is started, periodically.
type Reporter struct {
	pool   Pinger
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	last Report
}

// NewReporter returns a Reporter over pool. The cached report starts out
// Unhealthy until the first check completes.
func NewReporter(pool Pinger, cfg Config, logger *slog.Logger) *Reporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		last:   Report{Status: Unhealthy, Error: fmt.Errorf("no check has run yet")},
	}
}

// Check acquires one connection, pings it and runs a trivial round trip,
// all within Timeout. Any failure, including timing out while waiting for a
// connection, yields Unhealthy.
func (r *Reporter) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := r.now()
	err := r.pool.WithConn(ctx, func(conn *db.Conn) error {
		if err := conn.Ping(ctx); err != nil {
			return err
		}
		var one int
		return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
	rep := Report{
		Latency:   r.now().Sub(start),
		CheckedAt: start.UTC(),
		Error:     err,
	}

	switch {
	case err != nil:
		rep.Status = Unhealthy
		r.logger.WarnContext(ctx, "userstore/health: check failed",
			slog.Any("error", err), slog.Duration("latency", rep.Latency))
	case r.cfg.DegradedThreshold > 0 && rep.Latency > r.cfg.DegradedThreshold:
		rep.Status = Degraded
		r.logger.WarnContext(ctx, "userstore/health: slow check",
			slog.Duration("latency", rep.Latency),
			slog.Duration("threshold", r.cfg.DegradedThreshold))
	default:
		rep.Status = Healthy
	}

	r.store(rep)
	return rep
}

// Last returns the most recent report from Check or Run.
func (r *Reporter) Last() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Reporter) store(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep.Status != r.last.Status {
		r.logger.Info("userstore/health: status changed",
			slog.String("from", r.last.Status.String()),
			slog.String("to", rep.Status.String()))
	}
	r.last = rep
}

// Run checks immediately and then every Interval until ctx is done. It
// always returns nil so it can sit in an errgroup next to the server.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
