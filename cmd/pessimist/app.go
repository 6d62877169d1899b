package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/quay/claircore/toolkit/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
	"github.com/quay/pessimism/datastore/postgres"
	"github.com/quay/pessimism/datastore/sqlite"
	"github.com/quay/pessimism/liblock"
)

// ErrConflict is returned by commands that ran correctly but were refused a
// lock. It maps to exit status 1.
var errConflict = errors.New("lock conflict")

// App is the state shared by every command.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer

	store    datastore.Store
	manager  *liblock.Manager
	shutdown []func(context.Context) error
}

func newApp(stdout, stderr io.Writer) *app {
	v := viper.New()
	v.SetEnvPrefix("pessimism")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{
		v:      v,
		stdout: stdout,
		stderr: stderr,
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pessimist",
		Short: "Inspect and manage pessimistic locks",
		Long: `pessimist operates on the lock table shared by every program using
github.com/quay/pessimism.

Flags may also be set in the environment as PESSIMISM_<FLAG> (e.g.
PESSIMISM_DSN), or in a .env file in the working directory.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	fs := root.PersistentFlags()
	fs.String("driver", "sqlite", "datastore driver (postgres, sqlite)")
	fs.String("dsn", "pessimism.db", "connection string for postgres, or database file for sqlite")
	fs.Bool("migrate", false, "run migrations before the command")
	fs.Duration("ttl", pessimism.DefaultTTL, "lease length of locks without an expiry handler")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("otlp-endpoint", "", "OTLP/HTTP endpoint URL for traces, metrics, and logs; disabled if empty")

	root.AddCommand(
		a.migrateCmd(),
		a.acquireCmd(),
		a.releaseCmd(),
		a.showCmd(),
		a.reapCmd(),
		a.serveCmd(),
	)
	return root
}

// Setup binds configuration, then configures logging and telemetry and opens
// the store.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("reading .env: %w", err)
	}
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	ctx := cmd.Context()

	h, err := newHandler(a.stderr, a.v.GetString("log-level"), a.v.GetString("log-format"))
	if err != nil {
		return err
	}
	if ep := a.v.GetString("otlp-endpoint"); ep != "" {
		t, err := setupTelemetry(ctx, ep)
		if err != nil {
			return err
		}
		a.shutdown = append(a.shutdown, t.Shutdown)
		h = t.Handler(h)
	}
	slog.SetDefault(slog.New(ctxHandler{next: h}))

	ctx = log.With(ctx, "component", "cmd/pessimist/"+cmd.Name())
	cmd.SetContext(ctx)
	migrate := a.v.GetBool("migrate") || cmd.Name() == "migrate"
	a.store, err = openStore(ctx, a.v.GetString("driver"), a.v.GetString("dsn"), migrate)
	if err != nil {
		return err
	}
	a.manager, err = liblock.New(ctx, &liblock.Options{
		Store: a.store,
		TTL:   a.v.GetDuration("ttl"),
	})
	return err
}

// Close releases everything acquired by setup.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, f := range a.shutdown {
		errs = append(errs, f(ctx))
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, driver, dsn string, migrate bool) (datastore.Store, error) {
	switch driver {
	case "postgres", "pgx":
		var opts []postgres.Option
		if migrate {
			opts = append(opts, postgres.WithMigrations)
		}
		s, err := postgres.Connect(ctx, dsn, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		var opts []sqlite.Option
		if migrate {
			opts = append(opts, sqlite.WithMigrations)
		}
		s, err := sqlite.Open(ctx, dsn, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, &pessimism.Error{
			Op:      "cmd/pessimist/openStore",
			Kind:    pessimism.ErrInvalid,
			Message: fmt.Sprintf("unknown driver %q", driver),
		}
	}
}

// Targets parses "TYPE:ID" arguments.
func targets(args []string) ([]pessimism.Target, error) {
	ts := make([]pessimism.Target, len(args))
	for i, arg := range args {
		k, err := pessimism.ParseKey(arg)
		if err != nil {
			return nil, err
		}
		ts[i] = k.Target()
	}
	return ts, nil
}
