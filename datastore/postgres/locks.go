package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quay/pessimism"
)

// Find implements [datastore.Store].
func (s *LockStore) Find(ctx context.Context, k pessimism.Key) (_ *pessimism.Lock, err error) {
	ctx, done := s.method(ctx, &err)
	defer done()

	var l pessimism.Lock
	err = pgx.BeginTxFunc(ctx, s.pool, txRO, s.call(ctx, `select`, func(ctx context.Context, tx pgx.Tx, query string) error {
		return tx.QueryRow(ctx, query, k.ResourceID, k.ResourceType).Scan(lockScan(&l)...)
	}))
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	default:
		return nil, err
	}
	return &l, nil
}

// Release implements [datastore.Store].
func (s *LockStore) Release(ctx context.Context, ks []pessimism.Key, holder string) (_ int64, err error) {
	ctx, done := s.method(ctx, &err)
	defer done()

	ids, types := rotateKeys(ks)
	var ct int64
	err = pgx.BeginTxFunc(ctx, s.pool, txRW, s.call(ctx, `delete`, func(ctx context.Context, tx pgx.Tx, query string) error {
		tag, err := tx.Exec(ctx, query, ids, types, holder)
		ct = tag.RowsAffected()
		return err
	}))
	if err != nil {
		return 0, err
	}
	trace.SpanFromContext(ctx).SetAttributes(dbAffected.Int64(ct))
	return ct, nil
}

// DeleteExpired implements [datastore.Store].
//
// Rows locked by another transaction are skipped, so concurrent sweeps divide
// the work instead of waiting on each other.
func (s *LockStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (_ int64, err error) {
	ctx, done := s.method(ctx, &err)
	defer done()

	var ct int64
	err = pgx.BeginTxFunc(ctx, s.pool, txRW, s.call(ctx, `delete`, func(ctx context.Context, tx pgx.Tx, query string) error {
		tag, err := tx.Exec(ctx, query, before, limit)
		ct = tag.RowsAffected()
		return err
	}))
	if err != nil {
		return 0, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		dbAffected.Int64(ct),
		attribute.Int("limit", limit),
	)
	return ct, nil
}

// LockScan returns the scan targets for a row in the column order used by every
// query returning a whole record.
func lockScan(l *pessimism.Lock) []any {
	return []any{
		&l.ID,
		&l.ResourceType,
		&l.ResourceID,
		&l.Holder,
		&l.Reason,
		&l.ExpiryHandler,
		&l.CreatedAt,
		&l.UpdatedAt,
	}
}

// RotateKeys turns the slice of Keys into parallel slices for use with
// UNNEST.
func rotateKeys(ks []pessimism.Key) (ids, types []string) {
	ids = make([]string, len(ks))
	types = make([]string, len(ks))
	for i, k := range ks {
		ids[i] = k.ResourceID
		types[i] = k.ResourceType
	}
	return ids, types
}
