// Package liblock is the lock manager.
//
// A [Manager] is built once with a [datastore.Store] and shared. It keeps no
// state of its own: the store is the only arbiter of who holds which lock.
package liblock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/quay/claircore/toolkit/log"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
)

// Manager acquires and releases locks.
//
// A Manager is safe for concurrent use.
type Manager struct {
	store datastore.Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Manager.
//
// The Options struct is used as-is; the Manager never closes the Store.
func New(ctx context.Context, opts *Options) (*Manager, error) {
	ctx = log.With(ctx, "component", "liblock/New")
	if opts == nil {
		opts = new(Options)
	}
	if err := opts.parse(); err != nil {
		return nil, err
	}
	m := &Manager{
		store: opts.Store,
		ttl:   opts.TTL,
		now:   opts.Now,
	}
	slog.DebugContext(ctx, "manager created", "ttl", m.ttl)
	return m, nil
}

// TTL reports the lease length used by the Manager.
func (m *Manager) TTL() time.Duration { return m.ttl }

// ErrRace rolls back the Update closure when a write lost a race with another
// transaction. It never leaves the package.
var errRace = errors.New("liblock: lost lock race")

// Acquire attempts to lock every target for "holder", atomically.
//
// The reported bool is true if every lock was created or refreshed and false if
// any target is held in a way the options don't allow. A false return with a nil
// error is the normal result of contention; the error is reserved for invalid
// input and store failures.
//
// Expired locks found on the targets are deleted and don't block. Those
// deletions are kept even when the acquisition fails.
//
// Acquiring a lock already held by "holder" refreshes its reason, expiry
// handler, and lease, unless [pessimism.ForceNew] or [pessimism.OnlyOnce] is
// given.
func (m *Manager) Acquire(ctx context.Context, targets []pessimism.Target, holder, reason string, opts ...pessimism.AcquireOption) (bool, error) {
	ctx = log.With(ctx, "component", "liblock/Manager.Acquire", "holder", holder)
	const op = `liblock/Manager.Acquire`
	if len(targets) == 0 {
		return false, &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrInvalid,
			Message: "no targets",
		}
	}
	cfg := pessimism.NewAcquireConfig(opts...)
	keys := pessimism.Keys(targets)
	now := m.now()

	want := make([]pessimism.Lock, len(keys))
	var errs []error
	for i, k := range keys {
		want[i] = pessimism.Lock{
			ResourceType:  k.ResourceType,
			ResourceID:    k.ResourceID,
			Holder:        holder,
			Reason:        reason,
			ExpiryHandler: cfg.ExpiryHandler,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := want[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%v: %w", k, err))
		}
	}
	if len(errs) != 0 {
		return false, errors.Join(errs...)
	}

	var ok bool
	err := m.store.Update(ctx, func(ctx context.Context, tx datastore.Tx) error {
		existing, err := m.reap(ctx, tx, keys, now)
		if err != nil {
			return err
		}
		for _, l := range existing {
			if cfg.Refuses(l.Holder, holder) {
				slog.DebugContext(ctx, "lock held",
					"key", l.Key(),
					"held_by", l.Holder,
					"force_new", cfg.ForceNew,
					"only_once", cfg.OnlyOnce)
				// Commit so the reaping sticks.
				return nil
			}
		}

		byKey := make(map[pessimism.Key]*pessimism.Lock, len(existing))
		for i := range existing {
			byKey[existing[i].Key()] = &existing[i]
		}
		for i := range want {
			l := &want[i]
			var out pessimism.Outcome
			var err error
			if cur, held := byKey[l.Key()]; held {
				l.ID = cur.ID
				l.CreatedAt = cur.CreatedAt
				out, err = tx.Refresh(ctx, l)
			} else {
				out, err = tx.Create(ctx, l)
			}
			switch {
			case err != nil:
				return err
			case out == pessimism.OutcomeConflict:
				slog.DebugContext(ctx, "lost race", "key", l.Key())
				return errRace
			}
		}
		ok = true
		return nil
	})
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, errRace):
		return false, nil
	default:
		return false, fmt.Errorf("liblock: acquire: %w", err)
	}
	if ok {
		slog.DebugContext(ctx, "acquired", "count", len(keys))
	}
	return ok, nil
}

// Reap reads the records for the keys, deletes the expired ones, and returns the
// rest.
func (m *Manager) reap(ctx context.Context, tx datastore.Tx, keys []pessimism.Key, now time.Time) ([]pessimism.Lock, error) {
	found, err := tx.Lookup(ctx, keys)
	if err != nil {
		return nil, err
	}
	var dead []int64
	found = slices.DeleteFunc(found, func(l pessimism.Lock) bool {
		if l.Expired(now, m.ttl) {
			dead = append(dead, l.ID)
			return true
		}
		return false
	})
	if len(dead) == 0 {
		return found, nil
	}
	n, err := tx.Delete(ctx, dead...)
	if err != nil {
		return nil, err
	}
	slog.DebugContext(ctx, "reaped expired locks", "count", n)
	return found, nil
}

// Release removes the locks on the targets held by "holder" and reports how
// many were removed.
//
// Locks held by others are untouched and targets without a lock count as zero.
// An expiry handler does not prevent release.
func (m *Manager) Release(ctx context.Context, targets []pessimism.Target, holder string) (int64, error) {
	ctx = log.With(ctx, "component", "liblock/Manager.Release", "holder", holder)
	if len(targets) == 0 {
		return 0, &pessimism.Error{
			Op:      `liblock/Manager.Release`,
			Kind:    pessimism.ErrInvalid,
			Message: "no targets",
		}
	}
	n, err := m.store.Release(ctx, pessimism.Keys(targets), holder)
	if err != nil {
		return 0, fmt.Errorf("liblock: release: %w", err)
	}
	slog.DebugContext(ctx, "released", "count", n)
	return n, nil
}

// FindFor reports the lock on the target, or nil if there is none.
//
// An expired lock that hasn't been reaped yet is still reported; see
// [Manager.Expired].
func (m *Manager) FindFor(ctx context.Context, target pessimism.Target) (*pessimism.Lock, error) {
	l, err := m.store.Find(ctx, pessimism.KeyOf(target))
	if err != nil {
		return nil, fmt.Errorf("liblock: find: %w", err)
	}
	return l, nil
}

// DeleteExpired deletes up to [pessimism.DeleteExpiredLimit] expired locks and
// reports how many were removed. Locks with an expiry handler are never
// removed.
//
// Callers wanting every expired lock gone call this until it reports zero.
func (m *Manager) DeleteExpired(ctx context.Context) (int64, error) {
	ctx = log.With(ctx, "component", "liblock/Manager.DeleteExpired")
	n, err := m.store.DeleteExpired(ctx, m.now().Add(-m.ttl), pessimism.DeleteExpiredLimit)
	if err != nil {
		return 0, fmt.Errorf("liblock: delete expired: %w", err)
	}
	if n != 0 {
		slog.DebugContext(ctx, "deleted expired locks", "count", n)
	}
	return n, nil
}

// Expired reports whether the lock is past its lease according to the
// Manager's clock and TTL.
func (m *Manager) Expired(l *pessimism.Lock) bool {
	return l.Expired(m.now(), m.ttl)
}
