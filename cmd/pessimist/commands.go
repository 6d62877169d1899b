package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/internal/poolstats"
	"github.com/quay/pessimism/reaper"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The migrations ran when the store was opened.
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func (a *app) acquireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "acquire TYPE:ID...",
		Short: "Acquire or refresh locks, atomically",
		Long: `Acquire or refresh the locks on every named resource for one holder.

If no holder is given, a random one is generated and printed. The exit
status is 1 if any resource is held by someone else.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := targets(args)
			if err != nil {
				return err
			}
			holder := a.v.GetString("holder")
			if !a.v.IsSet("holder") {
				holder = uuid.NewString()
			}
			var opts []pessimism.AcquireOption
			if a.v.GetBool("force-new") {
				opts = append(opts, pessimism.ForceNew)
			}
			if a.v.GetBool("only-once") {
				opts = append(opts, pessimism.OnlyOnce)
			}
			if h := a.v.GetString("expiry-handler"); h != "" {
				opts = append(opts, pessimism.WithExpiryHandler(h))
			}

			ok, err := a.manager.Acquire(cmd.Context(), ts, holder, a.v.GetString("reason"), opts...)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "conflict\tholder=%q\n", holder)
				return errConflict
			}
			fmt.Fprintf(cmd.OutOrStdout(), "acquired\tholder=%q\n", holder)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.String("holder", "", "lock holder; a random one is generated if unset")
	fs.String("reason", "", "reason shown to anyone blocked by the lock")
	fs.Bool("force-new", false, "fail instead of refreshing locks already held by the holder")
	fs.Bool("only-once", false, "fail if any lock exists, whoever holds it")
	fs.String("expiry-handler", "", "tag for whoever manages the locks' lifecycle; such locks never expire")
	return cmd
}

func (a *app) releaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release TYPE:ID...",
		Short: "Release locks held by a holder",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := targets(args)
			if err != nil {
				return err
			}
			n, err := a.manager.Release(cmd.Context(), ts, a.v.GetString("holder"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released\t%d\n", n)
			return nil
		},
	}
	cmd.Flags().String("holder", "", "lock holder")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show TYPE:ID",
		Short: "Print the lock on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := pessimism.ParseKey(args[0])
			if err != nil {
				return err
			}
			l, err := a.manager.FindFor(cmd.Context(), k.Target())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if l == nil {
				fmt.Fprintf(out, "%v\tunlocked\n", k)
				return nil
			}
			fmt.Fprintf(out, "%v\tholder=%q\treason=%q\texpiry_handler=%q\tcreated=%s\tupdated=%s",
				k, l.Holder, l.Reason, l.ExpiryHandler,
				l.CreatedAt.Format(time.RFC3339), l.UpdatedAt.Format(time.RFC3339))
			if a.manager.Expired(l) {
				fmt.Fprint(out, "\texpired")
			}
			fmt.Fprintln(out)
			return nil
		},
	}
}

func (a *app) reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete every expired lock once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := reaper.New(a.manager)
			if err != nil {
				return err
			}
			n, err := r.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted\t%d\n", n)
			return nil
		},
	}
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the expiry reaper and serve metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, err := reaper.New(a.manager, reaper.WithInterval(a.v.GetDuration("interval")))
			if err != nil {
				return err
			}
			if st, ok := a.store.(poolstats.Stater); ok {
				err := prometheus.Register(poolstats.NewCollector(st, "locks"))
				var already prometheus.AlreadyRegisteredError
				if err != nil && !errors.As(err, &already) {
					return err
				}
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{
				Addr:              a.v.GetString("listen"),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return ctx },
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return r.Start(ctx)
			})
			eg.Go(func() error {
				slog.InfoContext(ctx, "serving metrics", "addr", srv.Addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			})
			err = eg.Wait()
			canceled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			if canceled && cmd.Context().Err() != nil {
				slog.InfoContext(ctx, "shutting down")
				return nil
			}
			return err
		},
	}
	fs := cmd.Flags()
	fs.Duration("interval", reaper.DefaultInterval, "time between sweeps")
	fs.String("listen", ":9090", "address to serve /metrics on")
	return cmd
}
