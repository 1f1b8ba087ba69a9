// Command migrate applies and inspects the embedded user store schema
// migrations without starting the HTTP server.
//
//	migrate up       apply every pending migration
//	migrate status   list applied and pending migrations
//	migrate version  print the highest applied version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/go-extras/cobraflags"
	"github.com/spf13/cobra"

	"github.com/Skryldev/userstore/config"
	"github.com/Skryldev/userstore/db"
	"github.com/Skryldev/userstore/migrations"
	"github.com/Skryldev/userstore/migrator"
)

const (
	envFileFlag    = "env-file"
	configFileFlag = "config"
	formatFlag     = "format"

	formatText = "text"
	formatJSON = "json"
)

func sourceFlags() map[string]cobraflags.Flag {
	return map[string]cobraflags.Flag{
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
}

func main() {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the user store schema",
		SilenceUsage: true,
	}
	root.AddCommand(newUpCommand(), newStatusCommand(), newVersionCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newUpCommand() *cobra.Command {
	flags := sourceFlags()
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Long: `Apply all pending migrations in ascending version order.

Each migration runs in its own transaction together with its bookkeeping
record. The first failure stops the run and leaves later migrations
pending; running up again on an up-to-date store does nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), flags, func(m *migrator.Migrator, logger *slog.Logger) error {
				applied, err := m.ApplyPending(cmd.Context())
				if err != nil {
					return err
				}
				version, err := m.CurrentVersion(cmd.Context())
				if err != nil {
					return err
				}
				logger.Info("migrations: up completed",
					slog.Int("applied", applied),
					slog.Uint64("version", uint64(version)))
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s), schema at version %d\n", applied, version)
				return nil
			})
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func newStatusCommand() *cobra.Command {
	flags := sourceFlags()
	flags[formatFlag] = &cobraflags.StringFlag{
		Name:  formatFlag,
		Value: formatText,
		Usage: "Output format: text or json",
	}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format := flags[formatFlag].GetString()
			if format != formatText && format != formatJSON {
				return fmt.Errorf("unknown --%s %q (want %s or %s)", formatFlag, format, formatText, formatJSON)
			}
			return withMigrator(cmd.Context(), flags, func(m *migrator.Migrator, _ *slog.Logger) error {
				st, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				if format == formatJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				return printStatus(cmd.OutOrStdout(), st)
			})
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func newVersionCommand() *cobra.Command {
	flags := sourceFlags()
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the highest applied migration version (0 when none)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd.Context(), flags, func(m *migrator.Migrator, _ *slog.Logger) error {
				version, err := m.CurrentVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			})
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

// withMigrator loads the configuration, opens a pool and hands a migrator
// over the embedded scripts for the pool's dialect to fn.
func withMigrator(ctx context.Context, flags map[string]cobraflags.Flag, fn func(*migrator.Migrator, *slog.Logger) error) error {
	cfg, err := config.Load(config.Options{
		EnvFile:    flags[envFileFlag].GetString(),
		ConfigFile: flags[configFileFlag].GetString(),
	})
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)

	poolCfg := cfg.PoolConfig(logger)
	// A migration run needs a single connection; don't warm more.
	poolCfg.MinIdleConns = 0
	pool, err := db.Open(ctx, poolCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := migrator.New(pool, migrations.For(pool.Dialect()), logger)
	if err != nil {
		return err
	}
	if err := fn(m, logger); err != nil {
		var merr *migrator.MigrationError
		if errors.As(err, &merr) {
			logger.Error("migrations: failed",
				slog.Uint64("version", uint64(merr.Version)),
				slog.String("name", merr.Name),
				slog.Any("error", merr.Cause))
		}
		return err
	}
	return nil
}

func printStatus(w io.Writer, st *migrator.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, a := range st.Applied {
		fmt.Fprintf(tw, "%04d\t%s\tapplied\t%s\n", a.Version, a.Name, a.AppliedAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	for _, p := range st.Pending {
		fmt.Fprintf(tw, "%04d\t%s\tpending\t-\n", p.Version, p.Name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\ncurrent version: %d, pending: %d\n", st.CurrentVersion, len(st.Pending))
	return err
}
