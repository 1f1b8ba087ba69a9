// Package config loads service settings from the environment, an optional
// .env file and an optional config file, in increasing order of precedence:
// config file < .env < process environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Skryldev/userstore/db"
	"github.com/Skryldev/userstore/health"
)

// Setting names. They double as environment variable names.
const (
	KeyDatabaseURL       = "DATABASE_URL"
	KeyDBDriver          = "DB_DRIVER"
	KeyServerPort        = "SERVER_PORT"
	KeyMaxConnections    = "DB_MAX_CONNECTIONS"
	KeyMinConnections    = "DB_MIN_CONNECTIONS"
	KeyConnectTimeout    = "DB_CONNECT_TIMEOUT_SECS"
	KeyIdleTimeout       = "DB_IDLE_TIMEOUT_SECS"
	KeyAcquireTimeout    = "DB_ACQUIRE_TIMEOUT_SECS"
	KeySlowQuery         = "DB_SLOW_QUERY_MS"
	KeyHealthTimeout     = "HEALTH_TIMEOUT_SECS"
	KeyHealthInterval    = "HEALTH_INTERVAL_SECS"
	KeyHealthDegradedMS  = "HEALTH_DEGRADED_MS"
	KeyLogLevel          = "LOG_LEVEL"
	defaultEnvFile       = ".env"
	defaultServerPort    = 3000
	defaultSlowQueryMS   = 200
	defaultLogLevel      = "info"
	defaultHealthTimeout = 2
)

// Config is the fully resolved service configuration.
type Config struct {
	DatabaseURL string
	DBDriver    string
	ServerPort  int

	MaxConnections int
	MinConnections int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	SlowQuery      time.Duration

	HealthTimeout  time.Duration
	HealthInterval time.Duration
	HealthDegraded time.Duration

	LogLevel slog.Level
}

// Options selects the optional sources.
type Options struct {
	// EnvFile is loaded with godotenv. Empty means ".env", silently skipped
	// when missing; an explicit file must exist.
	EnvFile string
	// ConfigFile is read by viper (YAML, JSON, TOML...). Empty means none.
	ConfigFile string
}

// Load resolves the configuration.
func Load(opts Options) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", opts.ConfigFile, err)
		}
	}

	return fromViper(v)
}

func loadEnvFile(path string) error {
	if path == "" {
		err := godotenv.Load(defaultEnvFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", defaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyDBDriver, "pgx")
	v.SetDefault(KeyServerPort, defaultServerPort)
	v.SetDefault(KeyMaxConnections, db.DefaultMaxConns)
	v.SetDefault(KeyMinConnections, db.DefaultMinIdleConns)
	v.SetDefault(KeyConnectTimeout, int(db.DefaultConnectTimeout/time.Second))
	v.SetDefault(KeyIdleTimeout, int(db.DefaultIdleTimeout/time.Second))
	v.SetDefault(KeyAcquireTimeout, int(db.DefaultAcquireTimeout/time.Second))
	v.SetDefault(KeySlowQuery, defaultSlowQueryMS)
	v.SetDefault(KeyHealthTimeout, defaultHealthTimeout)
	v.SetDefault(KeyHealthInterval, int(health.DefaultInterval/time.Second))
	v.SetDefault(KeyHealthDegradedMS, 0)
	v.SetDefault(KeyLogLevel, defaultLogLevel)
}

func fromViper(v *viper.Viper) (*Config, error) {
	r := reader{v: v}
	cfg := &Config{
		DatabaseURL: strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		DBDriver:    strings.TrimSpace(v.GetString(KeyDBDriver)),

		ServerPort:     r.int(KeyServerPort),
		MaxConnections: r.int(KeyMaxConnections),
		MinConnections: r.int(KeyMinConnections),
		ConnectTimeout: r.duration(KeyConnectTimeout, time.Second),
		IdleTimeout:    r.duration(KeyIdleTimeout, time.Second),
		AcquireTimeout: r.duration(KeyAcquireTimeout, time.Second),
		SlowQuery:      r.duration(KeySlowQuery, time.Millisecond),
		HealthTimeout:  r.duration(KeyHealthTimeout, time.Second),
		HealthInterval: r.duration(KeyHealthInterval, time.Second),
		HealthDegraded: r.duration(KeyHealthDegradedMS, time.Millisecond),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	if len(r.errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(r.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyDatabaseURL))
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("%s must be a TCP port, got %d", KeyServerPort, c.ServerPort))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyMaxConnections, c.MaxConnections))
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		errs = append(errs, fmt.Errorf("%s must be between 0 and %s (%d), got %d",
			KeyMinConnections, KeyMaxConnections, c.MaxConnections, c.MinConnections))
	}
	for key, d := range map[string]time.Duration{
		KeyConnectTimeout: c.ConnectTimeout,
		KeyAcquireTimeout: c.AcquireTimeout,
		KeyHealthTimeout:  c.HealthTimeout,
		KeyHealthInterval: c.HealthInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// DB converts the settings into a pool configuration. Hooks and logger are
// left for the caller.
func (c *Config) DB() db.Config {
	cfg := db.DefaultConfig()
	cfg.DSN = c.DatabaseURL
	cfg.DriverName = c.DBDriver
	cfg.MaxConns = c.MaxConnections
	cfg.MinIdleConns = c.MinConnections
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.IdleTimeout = c.IdleTimeout
	cfg.AcquireTimeout = c.AcquireTimeout
	return cfg
}

// Health converts the settings into a health reporter configuration.
func (c *Config) Health() health.Config {
	return health.Config{
		Timeout:           c.HealthTimeout,
		DegradedThreshold: c.HealthDegraded,
		Interval:          c.HealthInterval,
	}
}

// Logger builds the process logger: JSON lines at LogLevel.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.LogLevel}))
}

// PoolConfig is DB with the statement logging hook and logger attached.
func (c *Config) PoolConfig(logger *slog.Logger) db.Config {
	cfg := c.DB()
	cfg.Logger = logger
	cfg.Hooks = []db.Hook{db.NewLogHook(db.LogHookConfig{
		Logger:             logger,
		SlowQueryThreshold: c.SlowQuery,
	})}
	return cfg
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.ServerPort)
}

// reader collects parse errors so every bad setting is reported at once.
type reader struct {
	v    *viper.Viper
	errs []error
}

func (r *reader) int(key string) int {
	raw := strings.TrimSpace(r.v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return 0
	}
	return n
}

func (r *reader) duration(key string, unit time.Duration) time.Duration {
	n := r.int(key)
	if n < 0 {
		r.errs = append(r.errs, fmt.Errorf("%s must not be negative", key))
		return 0
	}
	return time.Duration(n) * unit
}
