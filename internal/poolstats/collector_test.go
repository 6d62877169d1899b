package poolstats

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeStat struct{}

func (fakeStat) AcquireCount() int64            { return 10 }
func (fakeStat) AcquireDuration() time.Duration { return 1500 * time.Millisecond }
func (fakeStat) AcquiredConns() int32           { return 2 }
func (fakeStat) CanceledAcquireCount() int64    { return 1 }
func (fakeStat) ConstructingConns() int32       { return 0 }
func (fakeStat) EmptyAcquireCount() int64       { return 3 }
func (fakeStat) IdleConns() int32               { return 4 }
func (fakeStat) MaxConns() int32                { return 8 }
func (fakeStat) TotalConns() int32              { return 6 }

func TestCollector(t *testing.T) {
	c := newCollector(func() Stat { return fakeStat{} }, "locks")
	if got, want := testutil.CollectAndCount(c), 9; got != want {
		t.Errorf("metric count: got: %d, want: %d", got, want)
	}

	want := `
# HELP pessimism_pgxpool_acquire_seconds_total Time spent in successful acquires from the pool.
# TYPE pessimism_pgxpool_acquire_seconds_total counter
pessimism_pgxpool_acquire_seconds_total{pool="locks"} 1.5
# HELP pessimism_pgxpool_idle_conns Idle connections.
# TYPE pessimism_pgxpool_idle_conns gauge
pessimism_pgxpool_idle_conns{pool="locks"} 4
`
	err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"pessimism_pgxpool_acquire_seconds_total",
		"pessimism_pgxpool_idle_conns",
	)
	if err != nil {
		t.Error(err)
	}

	// The pedantic registry checks Describe against Collect.
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
}
