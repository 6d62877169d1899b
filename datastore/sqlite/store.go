// Package sqlite implements a lock store backed by an embedded SQLite database.
//
// SQLite serializes writers, so acquisitions here never race. The package is
// meant for single-host deployments, tests, and tooling.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3" // register the goqu dialect
	"github.com/quay/claircore/toolkit/log"
	"github.com/remind101/migrate"
	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
	"github.com/quay/pessimism/datastore/sqlite/migrations"
)

// Memory is the name that opens a private in-memory database.
const Memory = ":memory:"

// Option is an option for configuring a [LockStore].
type Option interface {
	config(config) config
}

type config struct {
	Migrations bool
}

// WithMigrations specifies the migrations should be run upon opening.
var WithMigrations = migrationsOption{}

type migrationsOption struct{}

func (migrationsOption) config(c config) config {
	c.Migrations = true
	return c
}

var _ Option = migrationsOption{}

// LockStore is a [datastore.Store] backed by SQLite.
type LockStore struct {
	db *sql.DB
}

var _ datastore.Store = (*LockStore)(nil)

// Dialect is the query builder for every statement in this package.
var dialect = goqu.Dialect("sqlite3")

const table = `pessimistic_locks`

// DSN returns the driver connection string for the named database file.
//
// Write transactions take the database lock when they begin, and contending
// connections wait for it instead of failing.
func DSN(name string) string {
	v := url.Values{
		"_pragma": {
			"busy_timeout(5000)",
			"foreign_keys(1)",
			"journal_mode(WAL)",
		},
		"_txlock": {"immediate"},
	}
	if name == Memory {
		// WAL isn't available for in-memory databases.
		v["_pragma"] = v["_pragma"][:2]
	}
	u := url.URL{
		Scheme:   `file`,
		Opaque:   name,
		RawQuery: v.Encode(),
	}
	return u.String()
}

// Open opens the named database file, or a private in-memory database if
// "name" is [Memory].
func Open(ctx context.Context, name string, opts ...Option) (*LockStore, error) {
	const op = `datastore/sqlite/Open`
	ctx = log.With(ctx, "component", op)
	var c config
	for _, o := range opts {
		c = o.config(c)
	}

	db, err := sql.Open(`sqlite`, DSN(name))
	if err != nil {
		return nil, &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrInvalid,
			Message: "failed to open database",
			Inner:   err,
		}
	}
	if name == Memory {
		// Every connection to ":memory:" is a distinct database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxIdleTime(0)
		db.SetConnMaxLifetime(0)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(&pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrPrecondition,
			Message: "unable to connect",
			Inner:   err,
		}, db.Close())
	}

	if c.Migrations {
		migrator := migrate.NewMigrator(db)
		migrator.Table = migrations.MigrationTable
		if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
			return nil, errors.Join(&pessimism.Error{
				Op:      op,
				Kind:    pessimism.ErrPrecondition,
				Message: "failed to perform migrations",
				Inner:   err,
			}, db.Close())
		}
		slog.DebugContext(ctx, "migrations done", "count", len(migrations.Migrations))
	}
	return &LockStore{db: db}, nil
}

// Close implements [datastore.Store].
func (s *LockStore) Close() error {
	return s.db.Close()
}

// Update implements [datastore.Store].
func (s *LockStore) Update(ctx context.Context, f func(context.Context, datastore.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: Update: begin: %w", err)
	}
	if err := f(ctx, &lockTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("sqlite: Update: rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: Update: commit: %w", err)
	}
	return nil
}

// Find implements [datastore.Store].
func (s *LockStore) Find(ctx context.Context, k pessimism.Key) (*pessimism.Lock, error) {
	q, args, err := selectLocks().
		Where(goqu.Ex{"resource_id": k.ResourceID, "resource_type": k.ResourceType}).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("sqlite: Find: %w", err)
	}
	var r row
	err = s.db.QueryRowContext(ctx, q, args...).Scan(r.dest()...)
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, fmt.Errorf("sqlite: Find: %w", err)
	}
	l := r.lock()
	return &l, nil
}

// Release implements [datastore.Store].
func (s *LockStore) Release(ctx context.Context, ks []pessimism.Key, holder string) (int64, error) {
	if len(ks) == 0 {
		return 0, nil
	}
	q, args, err := dialect.Delete(table).
		Prepared(true).
		Where(keysMatch(ks), goqu.Ex{"holder": holder}).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("sqlite: Release: %w", err)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: Release: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired implements [datastore.Store].
func (s *LockStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	victims := dialect.From(table).
		Select("id").
		Where(
			goqu.C("updated_at").Lt(before.UnixNano()),
			goqu.C("expiry_handler").IsNull(),
		).
		Order(goqu.C("updated_at").Asc()).
		Limit(uint(limit))
	q, args, err := dialect.Delete(table).
		Prepared(true).
		Where(goqu.C("id").In(victims)).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("sqlite: DeleteExpired: %w", err)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: DeleteExpired: %w", err)
	}
	return res.RowsAffected()
}
