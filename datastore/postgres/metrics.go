package postgres

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/quay/pessimism/datastore/postgres"

// Tracer and Meter singletons for this package.
var (
	tracer trace.Tracer
	meter  metric.Meter
)

// The instruments used in this package.
var (
	methodCount    metric.Int64Counter
	methodDuration metric.Int64Histogram

	// These follow
	// https://opentelemetry.io/docs/specs/semconv/database/database-metrics/.
	poolUsage      metric.Int64ObservableUpDownCounter
	poolMax        metric.Int64UpDownCounter
	poolPending    metric.Int64ObservableUpDownCounter
	poolTimeout    metric.Int64ObservableCounter
	poolCreateTime metric.Int64Histogram
	poolUseTime    metric.Int64Histogram
)

// Must is a panic-or-return helper for [init].
func must[T any](t T, err error) T {
	if err != nil {
		panic(err)
	}
	return t
}

func init() {
	tracer = otel.Tracer(instrumentationName)
	meter = otel.Meter(instrumentationName)

	methodCount = must(meter.Int64Counter("method.calls",
		metric.WithDescription("The number of calls for the method described by the method attribute."),
		metric.WithUnit("{call}"),
	))
	methodDuration = must(meter.Int64Histogram("method.call_time",
		metric.WithDescription("The duration of calls for the method described by the method attribute."),
		metric.WithUnit("ms"),
	))

	poolUsage = must(meter.Int64ObservableUpDownCounter("db.client.connections.usage",
		metric.WithDescription("The number of connections that are currently in state described by the state attribute."),
		metric.WithUnit("{connection}"),
	))
	poolMax = must(meter.Int64UpDownCounter("db.client.connections.max",
		metric.WithDescription("The maximum number of open connections allowed."),
		metric.WithUnit("{connection}"),
	))
	poolPending = must(meter.Int64ObservableUpDownCounter("db.client.connections.pending_requests",
		metric.WithDescription("The number of pending requests for an open connection, cumulative for the entire pool."),
		metric.WithUnit("{request}"),
	))
	poolTimeout = must(meter.Int64ObservableCounter("db.client.connections.timeouts",
		metric.WithDescription("The number of connection timeouts that have occurred trying to obtain a connection from the pool."),
		metric.WithUnit("{timeout}"),
	))
	poolCreateTime = must(meter.Int64Histogram("db.client.connections.create_time",
		metric.WithDescription("The time it took to create a new connection."),
		metric.WithUnit("ms"),
	))
	poolUseTime = must(meter.Int64Histogram("db.client.connections.use_time",
		metric.WithDescription("The time between borrowing a connection and returning it to the pool."),
		metric.WithUnit("ms"),
	))
}

// PgpidAttr is a helper for constructing an attribute for the provided
// connection's server PID.
func pgpidAttr(c *pgx.Conn) attribute.KeyValue {
	return attribute.Int("postgresql.pid", int(c.PgConn().PID()))
}

// DbAffected is the key used to record the rows affected by a query.
var dbAffected = attribute.Key("db.rows_affected")

type poolTracer struct {
	metricAttrs attribute.Set
}

var (
	_ pgx.ConnectTracer = (*poolTracer)(nil)
	_ pgx.QueryTracer   = (*poolTracer)(nil)
)

// TraceConnectStart implements [pgx.ConnectTracer].
func (t *poolTracer) TraceConnectStart(ctx context.Context, _ pgx.TraceConnectStartData) context.Context {
	return context.WithValue(ctx, connectKey, time.Now())
}

// TraceConnectEnd implements [pgx.ConnectTracer].
func (t *poolTracer) TraceConnectEnd(ctx context.Context, data pgx.TraceConnectEndData) {
	start, ok := ctx.Value(connectKey).(time.Time)
	if !ok {
		return
	}
	poolCreateTime.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributeSet(t.metricAttrs))
	if data.Err != nil {
		slog.DebugContext(ctx, "connect error", "reason", data.Err)
	}
}

type traceQuery struct {
	Begin time.Time
	Attrs []attribute.KeyValue
}

// TraceQueryStart implements [pgx.QueryTracer].
func (t *poolTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryKey, &traceQuery{
		Begin: time.Now(),
		Attrs: []attribute.KeyValue{
			attribute.String("db.statement", data.SQL),
			pgpidAttr(conn),
		},
	})
}

// TraceQueryEnd implements [pgx.QueryTracer].
func (t *poolTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	q, ok := ctx.Value(queryKey).(*traceQuery)
	if !ok {
		return
	}
	op, affected := strings.TrimRight(data.CommandTag.String(), ` 0123456789`), data.CommandTag.RowsAffected()
	dur := time.Since(q.Begin)

	poolUseTime.Record(ctx, dur.Milliseconds(), metric.WithAttributeSet(t.metricAttrs))
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(append(q.Attrs, attribute.String("db.operation", op), dbAffected.Int64(affected))...)
	err := data.Err
	span.RecordError(err)
	if err != nil {
		span.SetStatus(codes.Error, "query error")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	// Don't bother logging any of the transaction commands.
	switch op {
	case "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE":
		return
	}
	attrs := []any{"operation", op, "affected", affected, "duration", dur}
	if err != nil {
		attrs = append(attrs, "reason", err)
	}
	slog.DebugContext(ctx, "query done", attrs...)
}
