// Package lockable attaches a lock to a single entity.
//
// A [Lockable] pairs a [pessimism.Target] with a [Locker] and remembers the outcome of
// the last acquisition, so request handlers can acquire on every request and
// report who is in the way when they can't:
//
//	p := lockable.New(m, lockable.TargetOf(patient))
//	ok, err := p.Acquire(ctx, user, "editing prescriptions")
//	if err != nil {
//		return err
//	}
//	if !ok {
//		return fmt.Errorf("patient is locked: %s", p.BlockingReason())
//	}
package lockable

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"github.com/quay/claircore/toolkit/log"

	"github.com/quay/pessimism"
)

// OneTimeHolder is the holder for one-time locks.
//
// Acquiring with this holder always uses [pessimism.OnlyOnce], so a one-time
// lock is granted once and then refused to everyone until it's released.
const OneTimeHolder = ""

// ReleaseTimeout bounds the release done by [Lockable.WithLock] after the body
// returns.
const releaseTimeout = 5 * time.Second

// Locker is the subset of liblock.Manager a Lockable needs.
type Locker interface {
	Acquire(ctx context.Context, targets []pessimism.Target, holder, reason string, opts ...pessimism.AcquireOption) (bool, error)
	Release(ctx context.Context, targets []pessimism.Target, holder string) (int64, error)
	FindFor(ctx context.Context, target pessimism.Target) (*pessimism.Lock, error)
}

// Identified is an entity with a primary key.
type Identified interface {
	PrimaryKey() string
}

// TargetOf returns the Target for an entity.
//
// The resource id is the entity's primary key and the resource type is the
// name of its Go type, with pointers removed. An entity implementing
// "ResourceID() string" or "ResourceType() string" overrides either.
func TargetOf(v Identified) pessimism.Target {
	if t, ok := v.(pessimism.Target); ok {
		return t
	}
	r := pessimism.Resource{
		ID:   v.PrimaryKey(),
		Type: typeName(v),
	}
	if i, ok := v.(interface{ ResourceID() string }); ok {
		r.ID = i.ResourceID()
	}
	if i, ok := v.(interface{ ResourceType() string }); ok {
		r.Type = i.ResourceType()
	}
	return r
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Lockable is the lock for one Target.
//
// A Lockable keeps the outcome of its last call and is not safe for
// concurrent use. The lock itself lives in the store, so any number of
// Lockables may refer to the same Target.
type Lockable struct {
	locker   Locker
	target   pessimism.Target
	acquired bool
	blocking *pessimism.Lock
}

// New returns a Lockable for the Target.
func New(l Locker, t pessimism.Target) *Lockable {
	return &Lockable{
		locker: l,
		target: t,
	}
}

// Target reports the Target being locked.
func (l *Lockable) Target() pessimism.Target { return l.target }

// Acquired reports whether the last call to [Lockable.Acquire] succeeded and
// the lock hasn't been released since.
func (l *Lockable) Acquired() bool { return l.acquired }

// BlockingReason reports the reason recorded on the lock that made the last
// call to [Lockable.Acquire] fail. It's empty after a success, or if the
// reason couldn't be determined.
func (l *Lockable) BlockingReason() string {
	if l.blocking == nil {
		return ""
	}
	return l.blocking.Reason
}

// Blocking reports the lock that made the last call to [Lockable.Acquire]
// fail, or nil.
func (l *Lockable) Blocking() *pessimism.Lock { return l.blocking }

// Acquire acquires or refreshes the lock for "holder".
//
// See liblock.Manager.Acquire for the meaning of the returns. Using
// [OneTimeHolder] as the holder implies [pessimism.OnlyOnce].
func (l *Lockable) Acquire(ctx context.Context, holder, reason string, opts ...pessimism.AcquireOption) (bool, error) {
	ctx = log.With(ctx,
		"component", "lockable/Lockable.Acquire",
		"target", pessimism.KeyOf(l.target),
	)
	if holder == OneTimeHolder {
		opts = append(opts[:len(opts):len(opts)], pessimism.OnlyOnce)
	}
	ok, err := l.locker.Acquire(ctx, []pessimism.Target{l.target}, holder, reason, opts...)
	l.acquired = ok
	l.blocking = nil
	if err != nil || ok {
		return ok, err
	}

	cur, err := l.locker.FindFor(ctx, l.target)
	switch {
	case err != nil:
		slog.DebugContext(ctx, "unable to look up blocking lock", "reason", err)
	case cur != nil:
		l.blocking = cur
	}
	return false, nil
}

// Release releases the lock if "holder" holds it, reporting the number of
// locks removed.
func (l *Lockable) Release(ctx context.Context, holder string) (int64, error) {
	ctx = log.With(ctx,
		"component", "lockable/Lockable.Release",
		"target", pessimism.KeyOf(l.target),
	)
	n, err := l.locker.Release(ctx, []pessimism.Target{l.target}, holder)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.acquired = false
	}
	return n, nil
}

// WithLock calls "f" while holding the lock.
//
// If the lock can't be acquired, an error of kind [pessimism.ErrConflict]
// describing the blocking lock is returned and "f" isn't called. Otherwise the lock is released when "f"
// returns or panics, even if "ctx" has been canceled by then.
func (l *Lockable) WithLock(ctx context.Context, holder, reason string, f func(context.Context) error) (err error) {
	const op = `lockable/Lockable.WithLock`
	ok, err := l.Acquire(ctx, holder, reason)
	if err != nil {
		return err
	}
	if !ok {
		msg := "lock could not be acquired"
		if r := l.BlockingReason(); r != "" {
			msg += ": " + r
		}
		return &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrConflict,
			Message: msg,
			Held:    l.blocking,
		}
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, rErr := l.Release(ctx, holder); rErr != nil {
			err = errors.Join(err, rErr)
		}
	}()
	return f(ctx)
}

// AcquireOnce acquires the one-time lock.
func (l *Lockable) AcquireOnce(ctx context.Context, reason string) (bool, error) {
	return l.Acquire(ctx, OneTimeHolder, reason)
}

// ReleaseOnce releases the one-time lock.
func (l *Lockable) ReleaseOnce(ctx context.Context) (int64, error) {
	return l.Release(ctx, OneTimeHolder)
}

// WithOnceLock calls "f" while holding the one-time lock. See
// [Lockable.WithLock].
func (l *Lockable) WithOnceLock(ctx context.Context, reason string, f func(context.Context) error) error {
	return l.WithLock(ctx, OneTimeHolder, reason, f)
}
