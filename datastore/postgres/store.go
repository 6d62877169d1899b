package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/remind101/migrate"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
	"github.com/quay/pessimism/datastore/postgres/migrations"
)

// MinimumMigration is the minimum acceptable migration version for a
// database used by a [LockStore].
const MinimumMigration = 1

// Option is an option for configuring a [LockStore].
type Option interface {
	config(config) config
}

type config struct {
	Migrations   bool
	MinMigration int
}

func newConfig() config {
	return config{
		Migrations:   false,
		MinMigration: MinimumMigration,
	}
}

// WithMigrations specifies the migrations should be run upon connection.
var WithMigrations = migrationsOption{}

type migrationsOption struct{}

func (migrationsOption) config(cfg config) config {
	cfg.Migrations = true
	return cfg
}

// WithMinimumMigration specifies a minimum migration version that the caller
// expects a database to be at.
//
// This is checked after migrations have run, if requested. The value used is
// the maximum of this and [MinimumMigration].
func WithMinimumMigration(v int) Option {
	return minimumMigration{v: v}
}

type minimumMigration struct {
	v int
}

func (m minimumMigration) config(cfg config) config {
	if m.v > cfg.MinMigration {
		cfg.MinMigration = m.v
	}
	return cfg
}

var (
	_ Option = migrationsOption{}
	_ Option = minimumMigration{}
)

// LockStore is a [datastore.Store] backed by PostgreSQL.
//
// Acquisitions run in READ COMMITTED transactions. Existing rows are locked
// with SELECT ... FOR UPDATE and concurrent inserts of the same key are settled
// by the unique index, so contention never blocks for longer than the
// competing transaction.
type LockStore struct {
	storeCommon
}

var _ datastore.Store = (*LockStore)(nil)

// Connect parses the connection string and calls [New].
func Connect(ctx context.Context, dsn string, opts ...Option) (*LockStore, error) {
	const op = `datastore/postgres/Connect`
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrInvalid,
			Message: "failed to parse connection string",
			Inner: &pessimism.Error{
				// The same connection string will always yield an error.
				Kind:  pessimism.ErrPermanent,
				Inner: err,
			},
		}
	}
	return New(ctx, cfg, opts...)
}

// New returns a LockStore using a pool created from the provided config.
//
// The config is used as-is; use [pgxpool.Config.Copy] if it's needed again.
func New(ctx context.Context, cfg *pgxpool.Config, opts ...Option) (*LockStore, error) {
	const op = `datastore/postgres/New`
	c := newConfig()
	for _, o := range opts {
		c = o.config(c)
	}

	if c.Migrations {
		db := stdlib.OpenDB(*cfg.ConnConfig)
		defer db.Close()
		migrator := migrate.NewPostgresMigrator(db)
		migrator.Table = migrations.MigrationTable
		if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
			return nil, &pessimism.Error{
				Op:      op,
				Kind:    pessimism.ErrPrecondition,
				Message: "failed to perform migrations",
				Inner:   err,
			}
		}
	}

	var s LockStore
	if err := s.init(ctx, cfg, "locks"); err != nil {
		return nil, &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrPrecondition,
			Message: "failed to create connection pool",
			Inner:   err,
		}
	}
	if err := s.checkRevision(ctx, pgx.Identifier{migrations.MigrationTable}, c.MinMigration); err != nil {
		return nil, &pessimism.Error{
			Op:      op,
			Kind:    pessimism.ErrPrecondition,
			Inner:   err,
			Message: fmt.Sprintf("database is not at migration %d", c.MinMigration),
		}
	}
	return &s, nil
}

// Update implements [datastore.Store].
func (s *LockStore) Update(ctx context.Context, f func(context.Context, datastore.Tx) error) (err error) {
	ctx, done := s.method(ctx, &err)
	defer done()

	return pgx.BeginTxFunc(ctx, s.pool, txRW, s.tx(ctx, `Update`, func(ctx context.Context, tx pgx.Tx) error {
		return f(ctx, &lockTx{store: s, tx: tx})
	}))
}
