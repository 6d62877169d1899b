package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quay/claircore/toolkit/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const appnameKey = `application_name`

// StoreCommon is the embeddable struct for common store functions.
//
// Database methods should make use of the method, tx, and call methods.
type storeCommon struct {
	pool         *pgxpool.Pool
	registration metric.Registration
	prefix       string
	spanAttrs    attribute.Set
	metricAttrs  attribute.Set
}

// Stat reports the connection pool statistics.
func (m *storeCommon) Stat() *pgxpool.Stat {
	return m.pool.Stat()
}

// Close closes the connection pool and unregisters the associated metrics.
func (m *storeCommon) Close() error {
	m.pool.Close()
	return m.registration.Unregister()
}

func (m *storeCommon) init(ctx context.Context, cfg *pgxpool.Config, prefix string) (err error) {
	if _, ok := cfg.ConnConfig.RuntimeParams[appnameKey]; !ok {
		cfg.ConnConfig.RuntimeParams[appnameKey] = "pessimism-" + prefix
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.user", cfg.ConnConfig.User),
		attribute.String("db.name", cfg.ConnConfig.Database),
	}
	if filepath.IsAbs(cfg.ConnConfig.Host) {
		spanAttrs = append(spanAttrs, attribute.String("network.transport", "unix"))
	} else {
		spanAttrs = append(spanAttrs,
			attribute.String("network.transport", "tcp"),
			attribute.String("server.address", cfg.ConnConfig.Host),
		)
		if p := int(cfg.ConnConfig.Port); p != 5432 && p != 0 {
			spanAttrs = append(spanAttrs, attribute.Int("server.port", p))
		}
	}
	m.spanAttrs = attribute.NewSet(spanAttrs...)
	metricAttrs := []attribute.KeyValue{attribute.String(`pool.name`, cfg.ConnConfig.RuntimeParams[appnameKey])}
	m.metricAttrs = attribute.NewSet(metricAttrs...)
	m.prefix = prefix

	cfg.ConnConfig.Tracer = m.tracer()

	m.pool, err = pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	if err := m.pool.Ping(ctx); err != nil {
		m.pool.Close()
		return err
	}

	poolMax.Add(ctx, int64(cfg.MaxConns), metric.WithAttributeSet(m.metricAttrs))
	usageUsed := attribute.NewSet(append(metricAttrs, attribute.String("state", "used"))...)
	usageIdle := attribute.NewSet(append(metricAttrs, attribute.String("state", "idle"))...)
	m.registration, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s := m.pool.Stat()
		o.ObserveInt64(poolUsage, int64(s.AcquiredConns()), metric.WithAttributeSet(usageUsed))
		o.ObserveInt64(poolUsage, int64(s.IdleConns()), metric.WithAttributeSet(usageIdle))
		o.ObserveInt64(poolPending, s.EmptyAcquireCount(), metric.WithAttributeSet(m.metricAttrs))
		o.ObserveInt64(poolTimeout, s.CanceledAcquireCount(), metric.WithAttributeSet(m.metricAttrs))
		return nil
	},
		poolUsage,
		poolPending,
		poolTimeout,
	)
	if err != nil {
		m.pool.Close()
		return err
	}

	return nil
}

func (m *storeCommon) checkRevision(ctx context.Context, table pgx.Identifier, min int) error {
	var rev *int
	// The table name is not under user control and is sanitized by
	// [pgx.Identifier].
	q := fmt.Sprintf(`SELECT MAX(version) FROM %s;`, table.Sanitize())
	if err := m.pool.QueryRow(ctx, q).Scan(&rev); err != nil {
		return errors.Join(
			fmt.Errorf(`postgres: unable to determine migration version: %w`, err),
			m.Close(),
		)
	}
	got := 0
	if rev != nil {
		got = *rev
	}
	if got < min {
		return errors.Join(
			fmt.Errorf(`postgres: database needs migrations run (%d < %d)`, got, min),
			m.Close(),
		)
	}
	return nil
}

// CtxKey is a type for the [context.Context] keys used throughout this package.
type ctxKey int

const (
	_ ctxKey = iota
	// MethodKey is used to pass the method name down.
	methodKey
	// SpanName is used to pass the span name down.
	spanName
	// QueryKey is used by the pool tracer.
	queryKey
	// ConnectKey is used by the pool tracer.
	connectKey
)

// Method is a helper for setting up all the observability and logging for an
// exported method.
//
// This should be called immediately inside of exported methods. The returned
// function must be called to clean up the tracing span.
func (m *storeCommon) method(ctx context.Context, err *error) (context.Context, func()) {
	pc, _, _, _ := runtime.Caller(1)
	n := runtime.FuncForPC(pc).Name()
	funcPath := strings.TrimPrefix(n, "github.com/quay/pessimism/")
	i := strings.LastIndexByte(n, '.')
	if i == -1 {
		panic("name without dot: " + n)
	}
	funcName := n[i+1:]
	sn := path.Base(n)
	ctx = context.WithValue(ctx, spanName, sn)
	ctx = context.WithValue(ctx, methodKey, funcName)
	ctx = log.With(ctx, "component", funcPath)
	mAttr := attribute.String(`method`, funcName)
	attrs := attribute.NewSet(append(m.spanAttrs.ToSlice(), mAttr)...)
	ctx, span := tracer.Start(ctx, sn, trace.WithAttributes(mAttr), trace.WithSpanKind(trace.SpanKindInternal))
	slog.DebugContext(ctx, "start")
	begin := time.Now()
	return ctx, func() {
		methodCount.Add(ctx, 1, metric.WithAttributeSet(attrs))
		methodDuration.Record(ctx, time.Since(begin).Milliseconds(), metric.WithAttributeSet(attrs))
		if *err != nil {
			*err = fmt.Errorf("postgres: %s: %w", funcName, *err)
			span.RecordError(*err)
			span.SetStatus(codes.Error, "method error")
			slog.DebugContext(ctx, "done", "reason", *err)
		} else {
			span.SetStatus(codes.Ok, "")
			slog.DebugContext(ctx, "done")
		}
		span.End()
	}
}

// TxFunc is the function signature for the inner call of the
// [*storeCommon.tx] helper.
type txFunc func(ctx context.Context, tx pgx.Tx) error

// Tx is a helper for setting up the observability for a database transaction.
// It's intended to be used with [pgx.BeginTxFunc].
//
// This should be used for a transaction that will run multiple different
// queries.
func (m *storeCommon) tx(ctx context.Context, name string, inner txFunc) func(pgx.Tx) error {
	sn := ctx.Value(spanName).(string)
	return func(tx pgx.Tx) error {
		ctx, span := tracer.Start(ctx, path.Join(sn, name), trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()
		return inner(ctx, tx)
	}
}

// CallFunc is the function signature for the inner call of the
// [*storeCommon.call] helper.
type callFunc func(ctx context.Context, tx pgx.Tx, query string) error

// Call is a helper for setting up the observability for a single query within
// a transaction. It's intended to be used with [pgx.BeginFunc].
//
// The query is loaded from "queries/<prefix>/<method>_<name>.sql". The "inner"
// function should only be issuing the query and scanning the results.
func (m *storeCommon) call(ctx context.Context, name string, inner callFunc) func(pgx.Tx) error {
	mn := ctx.Value(methodKey).(string)
	fn := path.Join("queries", m.prefix, strings.ToLower(fmt.Sprintf("%s_%s.sql", mn, name)))
	q := loadquery(fn)
	sn := ctx.Value(spanName).(string)
	return func(tx pgx.Tx) error {
		ctx, span := tracer.Start(ctx, path.Join(sn, name), trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			attribute.String("db.sql.table", tableName),
			attribute.String("db.query.file", fn),
			pgpidAttr(tx.Conn()),
		)
		err := inner(ctx, tx, q)
		span.RecordError(err)
		if err != nil {
			span.SetStatus(codes.Error, "call error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}

func loadquery(p string) string {
	b, err := fs.ReadFile(queries, p)
	if err != nil {
		panic("programmer error: bad query name: " + err.Error())
	}
	return string(b)
}

// Tracer returns an implementation of the pgx "Trace" interfaces this package
// cares about.
func (m *storeCommon) tracer() *poolTracer {
	// See metrics.go for the definition.
	return &poolTracer{
		metricAttrs: m.metricAttrs,
	}
}

var (
	txRO = pgx.TxOptions{AccessMode: pgx.ReadOnly}
	txRW = pgx.TxOptions{AccessMode: pgx.ReadWrite}
)
