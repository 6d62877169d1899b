// Package poolstats exports connection pool statistics to Prometheus.
package poolstats

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Stat is the subset of [pgxpool.Stat] reported.
type Stat interface {
	AcquireCount() int64
	AcquireDuration() time.Duration
	AcquiredConns() int32
	CanceledAcquireCount() int64
	ConstructingConns() int32
	EmptyAcquireCount() int64
	IdleConns() int32
	MaxConns() int32
	TotalConns() int32
}

var _ Stat = (*pgxpool.Stat)(nil)

// Stater is implemented by [pgxpool.Pool] and the Postgres lock store.
type Stater interface {
	Stat() *pgxpool.Stat
}

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Stat) float64
}

// Collector is a [prometheus.Collector] reporting the statistics of one pool.
type Collector struct {
	name    string
	stat    func() Stat
	metrics []metric
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector for the pool. The name is reported in the
// "pool" label, to tell pools in one process apart.
func NewCollector(s Stater, name string) *Collector {
	return newCollector(func() Stat { return s.Stat() }, name)
}

func newCollector(stat func() Stat, name string) *Collector {
	desc := func(n, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("pessimism", "pgxpool", n),
			help, []string{"pool"}, nil)
	}
	return &Collector{
		name: name,
		stat: stat,
		metrics: []metric{
			{
				desc:  desc("acquire_total", "Successful acquires from the pool."),
				kind:  prometheus.CounterValue,
				value: func(s Stat) float64 { return float64(s.AcquireCount()) },
			},
			{
				desc:  desc("acquire_seconds_total", "Time spent in successful acquires from the pool."),
				kind:  prometheus.CounterValue,
				value: func(s Stat) float64 { return s.AcquireDuration().Seconds() },
			},
			{
				desc:  desc("canceled_acquire_total", "Acquires from the pool canceled by a Context."),
				kind:  prometheus.CounterValue,
				value: func(s Stat) float64 { return float64(s.CanceledAcquireCount()) },
			},
			{
				desc:  desc("empty_acquire_total", "Successful acquires that waited because the pool was empty."),
				kind:  prometheus.CounterValue,
				value: func(s Stat) float64 { return float64(s.EmptyAcquireCount()) },
			},
			{
				desc:  desc("acquired_conns", "Connections currently in use."),
				kind:  prometheus.GaugeValue,
				value: func(s Stat) float64 { return float64(s.AcquiredConns()) },
			},
			{
				desc:  desc("constructing_conns", "Connections being established."),
				kind:  prometheus.GaugeValue,
				value: func(s Stat) float64 { return float64(s.ConstructingConns()) },
			},
			{
				desc:  desc("idle_conns", "Idle connections."),
				kind:  prometheus.GaugeValue,
				value: func(s Stat) float64 { return float64(s.IdleConns()) },
			},
			{
				desc:  desc("max_conns", "Maximum size of the pool."),
				kind:  prometheus.GaugeValue,
				value: func(s Stat) float64 { return float64(s.MaxConns()) },
			},
			{
				desc:  desc("total_conns", "Connections in the pool, in any state."),
				kind:  prometheus.GaugeValue,
				value: func(s Stat) float64 { return float64(s.TotalConns()) },
			},
		},
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(s), c.name)
	}
}
