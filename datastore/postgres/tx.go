package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
)

// LockTx is the [datastore.Tx] handed to the function passed to
// [LockStore.Update].
//
// Every query runs in its own savepoint, so a failed statement doesn't poison
// the enclosing transaction.
type lockTx struct {
	store *LockStore
	tx    pgx.Tx
}

var _ datastore.Tx = (*lockTx)(nil)

// SQLSTATE values reported as a conflict instead of an error.
const (
	uniqueViolation  = "23505"
	deadlockDetected = "40P01"
)

// IsConflict reports whether the error means another transaction won a race
// for the same lock.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case uniqueViolation, deadlockDetected:
		return true
	}
	return false
}

// Lookup implements [datastore.Tx].
func (t *lockTx) Lookup(ctx context.Context, ks []pessimism.Key) (_ []pessimism.Lock, err error) {
	ctx, done := t.store.method(ctx, &err)
	defer done()

	ids, types := rotateKeys(ks)
	var out []pessimism.Lock
	err = pgx.BeginFunc(ctx, t.tx, t.store.call(ctx, `select`, func(ctx context.Context, tx pgx.Tx, query string) error {
		rows, err := tx.Query(ctx, query, ids, types)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (pessimism.Lock, error) {
			var l pessimism.Lock
			err := row.Scan(lockScan(&l)...)
			return l, err
		})
		return err
	}))
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("keys", len(ks)),
		attribute.Int("found", len(out)),
	)
	return out, nil
}

// Delete implements [datastore.Tx].
func (t *lockTx) Delete(ctx context.Context, ids ...int64) (_ int64, err error) {
	ctx, done := t.store.method(ctx, &err)
	defer done()
	if len(ids) == 0 {
		return 0, nil
	}

	var ct int64
	err = pgx.BeginFunc(ctx, t.tx, t.store.call(ctx, `delete`, func(ctx context.Context, tx pgx.Tx, query string) error {
		tag, err := tx.Exec(ctx, query, ids)
		ct = tag.RowsAffected()
		return err
	}))
	if err != nil {
		return 0, err
	}
	trace.SpanFromContext(ctx).SetAttributes(dbAffected.Int64(ct))
	return ct, nil
}

// Create implements [datastore.Tx].
func (t *lockTx) Create(ctx context.Context, l *pessimism.Lock) (_ pessimism.Outcome, err error) {
	ctx, done := t.store.method(ctx, &err)
	defer done()

	err = pgx.BeginFunc(ctx, t.tx, t.store.call(ctx, `insert`, func(ctx context.Context, tx pgx.Tx, query string) error {
		return tx.QueryRow(ctx, query,
			l.ResourceType,
			l.ResourceID,
			l.Holder,
			l.Reason,
			l.ExpiryHandler,
			l.CreatedAt,
			l.UpdatedAt,
		).Scan(&l.ID)
	}))
	return outcome(err, pessimism.OutcomeCreated)
}

// Refresh implements [datastore.Tx].
func (t *lockTx) Refresh(ctx context.Context, l *pessimism.Lock) (_ pessimism.Outcome, err error) {
	ctx, done := t.store.method(ctx, &err)
	defer done()

	err = pgx.BeginFunc(ctx, t.tx, t.store.call(ctx, `update`, func(ctx context.Context, tx pgx.Tx, query string) error {
		var id int64
		return tx.QueryRow(ctx, query,
			l.ID,
			l.Holder,
			l.Reason,
			l.ExpiryHandler,
			l.UpdatedAt,
		).Scan(&id)
	}))
	return outcome(err, pessimism.OutcomeUpdated)
}

// Outcome maps the result of a single-row write to an Outcome.
//
// No row returned means the write was skipped by a conflict clause or a
// predicate.
func outcome(err error, ok pessimism.Outcome) (pessimism.Outcome, error) {
	switch {
	case errors.Is(err, nil):
		return ok, nil
	case errors.Is(err, pgx.ErrNoRows), isConflict(err):
		return pessimism.OutcomeConflict, nil
	default:
		return pessimism.OutcomeError, err
	}
}
