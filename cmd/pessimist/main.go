// Pessimist is an operator tool for a pessimism lock table.
//
// It can inspect, acquire, and release locks by hand, apply the schema
// migrations, and run the expiry reaper as a long-lived service:
//
//	pessimist --driver postgres --dsn "$DSN" migrate
//	pessimist acquire Patient:1 --holder dr_green --reason "manual fix"
//	pessimist show Patient:1
//	pessimist serve --interval 1m --listen :9090
//
// Every flag may also be set in the environment as PESSIMISM_<FLAG>, with
// dashes replaced by underscores, or in a ".env" file in the working
// directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Run executes the command line and reports the exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	cmd := a.rootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if cErr := a.Close(context.WithoutCancel(ctx)); cErr != nil {
		err = errors.Join(err, cErr)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errConflict):
		return 1
	default:
		fmt.Fprintln(stderr, "pessimist:", err)
		return 2
	}
}
