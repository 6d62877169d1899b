// Package reaper periodically deletes expired locks.
//
// Expired locks never block an acquisition, so reaping only bounds the size of
// the lock table. Any number of Reapers may run against the same store.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/quay/claircore/toolkit/log"
	"golang.org/x/time/rate"

	"github.com/quay/pessimism"
)

// DefaultInterval is the time between sweeps if [WithInterval] isn't used.
const DefaultInterval = time.Minute

// Sweeper deletes a bounded batch of expired locks, reporting how many were
// deleted. [liblock.Manager] is a Sweeper.
//
// [liblock.Manager]: https://pkg.go.dev/github.com/quay/pessimism/liblock#Manager
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Option configures a [Reaper].
type Option func(*Reaper)

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithBatchRate limits how often batches are deleted within a sweep.
//
// By default batches are deleted back to back.
func WithBatchRate(l rate.Limit) Option {
	return func(r *Reaper) {
		r.batches = rate.NewLimiter(l, 1)
	}
}

// Reaper sweeps expired locks.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	batches  *rate.Limiter
}

// New returns a Reaper using the Sweeper.
func New(s Sweeper, opts ...Option) (*Reaper, error) {
	const op = `reaper/New`
	r := &Reaper{
		sweeper:  s,
		interval: DefaultInterval,
		batches:  rate.NewLimiter(rate.Inf, 1),
	}
	for _, o := range opts {
		o(r)
	}
	switch {
	case r.sweeper == nil:
		return nil, &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrInvalid,
			Message: "no sweeper provided",
		}
	case r.interval <= 0:
		return nil, &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrInvalid,
			Message: "interval must be positive: " + r.interval.String(),
		}
	}
	return r, nil
}

// Interval reports the time between sweeps.
func (r *Reaper) Interval() time.Duration { return r.interval }

// Sweep deletes batches of expired locks until one comes back empty, reporting
// the total deleted.
func (r *Reaper) Sweep(ctx context.Context) (total int64, err error) {
	ctx = log.With(ctx, "component", "reaper/Reaper.Sweep")
	start := time.Now()
	defer func() {
		v := strconv.FormatBool(err == nil)
		sweepCounter.WithLabelValues(v).Inc()
		sweepDuration.WithLabelValues(v).Observe(time.Since(start).Seconds())
	}()

	for {
		if err := r.batches.Wait(ctx); err != nil {
			return total, err
		}
		n, err := r.sweeper.DeleteExpired(ctx)
		if err != nil {
			return total, err
		}
		deletedCounter.Add(float64(n))
		total += n
		if n == 0 {
			break
		}
		slog.DebugContext(ctx, "deleted batch", "count", n)
	}
	if total != 0 {
		slog.InfoContext(ctx, "deleted expired locks", "count", total)
	}
	return total, nil
}

// Start sweeps immediately, then once per interval until the Context is
// canceled.
//
// Start is designed to be run as a goroutine. Failed sweeps are logged and
// don't stop the loop.
func (r *Reaper) Start(ctx context.Context) error {
	ctx = log.With(ctx, "component", "reaper/Reaper.Start")

	slog.InfoContext(ctx, "starting initial sweep")
	r.run(ctx)

	slog.InfoContext(ctx, "starting background sweeps", "interval", r.interval)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.run(ctx)
		}
	}
}

func (r *Reaper) run(ctx context.Context) {
	_, err := r.Sweep(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		slog.ErrorContext(ctx, "error while sweeping", "reason", err)
	}
}
