// Command userstore serves the user CRUD API.
//
// Startup order:
//
//  1. configuration (env, .env, optional config file)
//  2. connection pool, warmed to the minimum idle size
//  3. pending schema migrations; any failure aborts startup
//  4. repository, health reporter and HTTP router
//
// The HTTP server and the background health loop share one errgroup and
// stop together on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-extras/cobraflags"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Skryldev/userstore/api"
	"github.com/Skryldev/userstore/config"
	"github.com/Skryldev/userstore/db"
	"github.com/Skryldev/userstore/health"
	"github.com/Skryldev/userstore/migrations"
	"github.com/Skryldev/userstore/migrator"
	"github.com/Skryldev/userstore/repo"
)

const (
	envFileFlag    = "env-file"
	configFileFlag = "config"

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

var serveFlags = map[string]cobraflags.Flag{
	envFileFlag: &cobraflags.StringFlag{
		Name:  envFileFlag,
		Value: "",
		Usage: "Path to a .env file (default: ./.env when present)",
	},
	configFileFlag: &cobraflags.StringFlag{
		Name:  configFileFlag,
		Value: "",
		Usage: "Path to a config file (YAML, JSON or TOML)",
	},
}

func main() {
	cmd := &cobra.Command{
		Use:   "userstore",
		Short: "Serve the user store HTTP API",
		Long: `Serve the user store HTTP API.

Settings come from the process environment, an optional .env file and an
optional config file. Pending schema migrations are applied before the
server starts listening.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.Options{
				EnvFile:    serveFlags[envFileFlag].GetString(),
				ConfigFile: serveFlags[configFileFlag].GetString(),
			})
		},
	}
	cobraflags.RegisterMap(cmd, serveFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, opts config.Options) error {
	// ── 1. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	// ── 2. Pool ───────────────────────────────────────────────────────────
	pool, err := db.Open(ctx, cfg.PoolConfig(logger))
	if err != nil {
		logger.Error("database unavailable", slog.Any("error", err))
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Warn("pool close failed", slog.Any("error", err))
		}
	}()

	// ── 3. Migrations ─────────────────────────────────────────────────────
	m, err := migrator.New(pool, migrations.For(pool.Dialect()), logger)
	if err != nil {
		logger.Error("loading migrations failed", slog.Any("error", err))
		return err
	}
	if _, err := m.ApplyPending(ctx); err != nil {
		var merr *migrator.MigrationError
		if errors.As(err, &merr) {
			logger.Error("schema migration failed",
				slog.Uint64("version", uint64(merr.Version)),
				slog.String("name", merr.Name),
				slog.Any("error", merr.Cause))
		} else {
			logger.Error("schema migration failed", slog.Any("error", err))
		}
		return err
	}

	// ── 4. Core and HTTP surface ──────────────────────────────────────────
	users := repo.NewUserRepo(pool, repo.WithLogger(logger))
	reporter := health.NewReporter(pool, cfg.Health(), logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(users, reporter, logger),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reporter.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", srv.Addr), slog.Any("pool", pool.Stats()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
