package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v8"
	"github.com/doug-martin/goqu/v8/exp"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
)

// LockTx is the [datastore.Tx] handed to the function passed to
// [LockStore.Update].
type lockTx struct {
	tx *sql.Tx
}

var _ datastore.Tx = (*lockTx)(nil)

// Lookup implements [datastore.Tx].
func (t *lockTx) Lookup(ctx context.Context, ks []pessimism.Key) ([]pessimism.Lock, error) {
	if len(ks) == 0 {
		return nil, nil
	}
	q, args, err := selectLocks().
		Where(keysMatch(ks)).
		Order(goqu.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlite: Lookup: %w", err)
	}
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: Lookup: %w", err)
	}
	defer rows.Close()
	var out []pessimism.Lock
	for rows.Next() {
		var r row
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("sqlite: Lookup: %w", err)
		}
		out = append(out, r.lock())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: Lookup: %w", err)
	}
	return out, nil
}

// Delete implements [datastore.Tx].
func (t *lockTx) Delete(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q, args, err := dialect.Delete(table).
		Prepared(true).
		Where(goqu.Ex{"id": ids}).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("sqlite: Delete: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: Delete: %w", err)
	}
	return res.RowsAffected()
}

// Create implements [datastore.Tx].
//
// An existing lock on the key violates the unique index and reports
// [pessimism.OutcomeConflict]. The failed statement is undone without
// aborting the transaction.
func (t *lockTx) Create(ctx context.Context, l *pessimism.Lock) (pessimism.Outcome, error) {
	q, args, err := dialect.Insert(table).
		Prepared(true).
		Rows(goqu.Record{
			"resource_type":  l.ResourceType,
			"resource_id":    l.ResourceID,
			"holder":         l.Holder,
			"reason":         nullable(l.Reason),
			"expiry_handler": nullable(l.ExpiryHandler),
			"created_at":     l.CreatedAt.UnixNano(),
			"updated_at":     l.UpdatedAt.UnixNano(),
		}).
		ToSQL()
	if err != nil {
		return pessimism.OutcomeError, fmt.Errorf("sqlite: Create: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	switch {
	case errors.Is(err, nil):
	case uniqueViolation(err):
		return pessimism.OutcomeConflict, nil
	default:
		return pessimism.OutcomeError, fmt.Errorf("sqlite: Create: %w", err)
	}
	l.ID, err = res.LastInsertId()
	if err != nil {
		return pessimism.OutcomeError, fmt.Errorf("sqlite: Create: %w", err)
	}
	return pessimism.OutcomeCreated, nil
}

// Refresh implements [datastore.Tx].
func (t *lockTx) Refresh(ctx context.Context, l *pessimism.Lock) (pessimism.Outcome, error) {
	q, args, err := dialect.Update(table).
		Prepared(true).
		Set(goqu.Record{
			"reason":         nullable(l.Reason),
			"expiry_handler": nullable(l.ExpiryHandler),
			"updated_at":     l.UpdatedAt.UnixNano(),
		}).
		Where(goqu.Ex{"id": l.ID, "holder": l.Holder}).
		ToSQL()
	if err != nil {
		return pessimism.OutcomeError, fmt.Errorf("sqlite: Refresh: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return pessimism.OutcomeError, fmt.Errorf("sqlite: Refresh: %w", err)
	}
	n, err := res.RowsAffected()
	switch {
	case err != nil:
		return pessimism.OutcomeError, fmt.Errorf("sqlite: Refresh: %w", err)
	case n == 0:
		return pessimism.OutcomeConflict, nil
	}
	return pessimism.OutcomeUpdated, nil
}

// SelectLocks returns a query for whole lock rows, in the order [row.dest]
// expects.
func selectLocks() *goqu.SelectDataset {
	return dialect.From(table).
		Prepared(true).
		Select(
			"id",
			"resource_type",
			"resource_id",
			"holder",
			"reason",
			"expiry_handler",
			"created_at",
			"updated_at",
		)
}

// KeysMatch returns an expression matching any of the keys.
func keysMatch(ks []pessimism.Key) exp.ExpressionList {
	or := make([]exp.Expression, len(ks))
	for i, k := range ks {
		or[i] = goqu.Ex{"resource_id": k.ResourceID, "resource_type": k.ResourceType}
	}
	return goqu.Or(or...)
}

// UniqueViolation reports whether "err" is a uniqueness constraint failure.
func uniqueViolation(err error) bool {
	var serr *msqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// Nullable maps the empty string to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Row is a scan target for a lock row.
type row struct {
	ID            int64
	ResourceType  string
	ResourceID    string
	Holder        string
	Reason        sql.NullString
	ExpiryHandler sql.NullString
	CreatedAt     int64
	UpdatedAt     int64
}

func (r *row) dest() []any {
	return []any{
		&r.ID,
		&r.ResourceType,
		&r.ResourceID,
		&r.Holder,
		&r.Reason,
		&r.ExpiryHandler,
		&r.CreatedAt,
		&r.UpdatedAt,
	}
}

func (r *row) lock() pessimism.Lock {
	return pessimism.Lock{
		ID:            r.ID,
		ResourceType:  r.ResourceType,
		ResourceID:    r.ResourceID,
		Holder:        r.Holder,
		Reason:        r.Reason.String,
		ExpiryHandler: r.ExpiryHandler.String,
		CreatedAt:     time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:     time.Unix(0, r.UpdatedAt).UTC(),
	}
}
