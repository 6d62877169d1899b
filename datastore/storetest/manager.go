package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/liblock"
)

type managerTest struct {
	Name string
	Run  func(context.Context, *testing.T, *liblock.Manager, *Clock)
}

// Acquire is a test helper that fails the test on error and reports the
// outcome.
func acquire(ctx context.Context, t testing.TB, m *liblock.Manager, holder string, ids []string, opts ...pessimism.AcquireOption) bool {
	t.Helper()
	ts := make([]pessimism.Target, len(ids))
	for i, id := range ids {
		ts[i] = target(id)
	}
	ok, err := m.Acquire(ctx, ts, holder, "testing", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return ok
}

func release(ctx context.Context, t testing.TB, m *liblock.Manager, holder string, ids ...string) int64 {
	t.Helper()
	ts := make([]pessimism.Target, len(ids))
	for i, id := range ids {
		ts[i] = target(id)
	}
	n, err := m.Release(ctx, ts, holder)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func holderOf(ctx context.Context, t testing.TB, m *liblock.Manager, id string) string {
	t.Helper()
	l, err := m.FindFor(ctx, target(id))
	if err != nil {
		t.Fatal(err)
	}
	if l == nil {
		return "<unlocked>"
	}
	return l.Holder
}

func one(id string) []string { return []string{id} }

var managerTests = []managerTest{
	{
		Name: "Reentrant",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			if !acquire(ctx, t, m, "dr_green", one("1")) {
				t.Fatal("first acquire failed")
			}
			before, err := m.FindFor(ctx, target("1"))
			if err != nil {
				t.Fatal(err)
			}
			c.Advance(time.Minute)
			for i := range 3 {
				if !acquire(ctx, t, m, "dr_green", one("1")) {
					t.Fatalf("reacquire %d failed", i)
				}
			}
			after, err := m.FindFor(ctx, target("1"))
			if err != nil {
				t.Fatal(err)
			}
			if !after.UpdatedAt.After(before.UpdatedAt) {
				t.Errorf("lease not refreshed: %v !> %v", after.UpdatedAt, before.UpdatedAt)
			}
			if before.ID != after.ID {
				t.Errorf("lock replaced: %d != %d", before.ID, after.ID)
			}
		},
	},
	{
		Name: "ReleaseThenOther",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			if !acquire(ctx, t, m, "dr_green", one("1")) {
				t.Fatal("acquire failed")
			}
			if acquire(ctx, t, m, "dr_ngui", one("1")) {
				t.Fatal("acquired a held lock")
			}
			if got, want := release(ctx, t, m, "dr_ngui", "1"), int64(0); got != want {
				t.Errorf("released another holder's lock: %d", got)
			}
			if got, want := release(ctx, t, m, "dr_green", "1"), int64(1); got != want {
				t.Errorf("release: got: %d, want: %d", got, want)
			}
			if !acquire(ctx, t, m, "dr_ngui", one("1")) {
				t.Fatal("acquire after release failed")
			}
			if got, want := holderOf(ctx, t, m, "1"), "dr_ngui"; got != want {
				t.Errorf("holder: got: %q, want: %q", got, want)
			}
		},
	},
	{
		Name: "Atomic",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			if !acquire(ctx, t, m, "dr_green", one("2")) {
				t.Fatal("acquire failed")
			}
			if acquire(ctx, t, m, "dr_ngui", []string{"1", "2", "3"}) {
				t.Fatal("acquired a held lock")
			}
			for _, id := range []string{"1", "3"} {
				if got, want := holderOf(ctx, t, m, id), "<unlocked>"; got != want {
					t.Errorf("%s: partial acquisition: held by %q", id, got)
				}
			}
			if !acquire(ctx, t, m, "dr_green", []string{"1", "2", "3"}) {
				t.Fatal("holder could not extend its lock set")
			}
		},
	},
	{
		Name: "ExpiredDoesNotBlock",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			if !acquire(ctx, t, m, "dr_green", one("1")) {
				t.Fatal("acquire failed")
			}
			c.Advance(m.TTL() + time.Second)
			l, err := m.FindFor(ctx, target("1"))
			if err != nil {
				t.Fatal(err)
			}
			if !m.Expired(l) {
				t.Error("lock not reported expired")
			}
			if !acquire(ctx, t, m, "dr_ngui", one("1")) {
				t.Fatal("expired lock blocked acquisition")
			}
			if got, want := holderOf(ctx, t, m, "1"), "dr_ngui"; got != want {
				t.Errorf("holder: got: %q, want: %q", got, want)
			}
		},
	},
	{
		Name: "ReapOnConflict",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			if !acquire(ctx, t, m, "dr_green", one("1")) {
				t.Fatal("acquire failed")
			}
			c.Advance(m.TTL() + time.Second)
			if !acquire(ctx, t, m, "dr_green", one("2")) {
				t.Fatal("acquire failed")
			}
			if acquire(ctx, t, m, "dr_ngui", []string{"1", "2"}) {
				t.Fatal("acquired a held lock")
			}
			// The failed attempt still removed the expired lock.
			if got, want := holderOf(ctx, t, m, "1"), "<unlocked>"; got != want {
				t.Errorf("expired lock not reaped: held by %q", got)
			}
		},
	},
	{
		Name: "ExpiryHandler",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			if !acquire(ctx, t, m, "dr_green", one("1"), pessimism.WithExpiryHandler("checkout")) {
				t.Fatal("acquire failed")
			}
			c.Advance(24 * time.Hour)
			if acquire(ctx, t, m, "dr_ngui", one("1")) {
				t.Fatal("lock with an expiry handler expired")
			}
			n, err := m.DeleteExpired(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != 0 {
				t.Errorf("deleted %d locks with an expiry handler", n)
			}
			if got, want := release(ctx, t, m, "dr_green", "1"), int64(1); got != want {
				t.Errorf("release: got: %d, want: %d", got, want)
			}
		},
	},
	{
		Name: "OnlyOnce",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			if !acquire(ctx, t, m, "", one("1"), pessimism.OnlyOnce) {
				t.Fatal("acquire failed")
			}
			if acquire(ctx, t, m, "", one("1"), pessimism.OnlyOnce) {
				t.Error("one-time lock acquired twice")
			}
			if acquire(ctx, t, m, "dr_green", one("1"), pessimism.OnlyOnce) {
				t.Error("one-time lock acquired by another holder")
			}
			if got, want := release(ctx, t, m, "", "1"), int64(1); got != want {
				t.Errorf("release: got: %d, want: %d", got, want)
			}
			if !acquire(ctx, t, m, "", one("1"), pessimism.OnlyOnce) {
				t.Error("acquire after release failed")
			}
		},
	},
	{
		Name: "ForceNew",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			if !acquire(ctx, t, m, "dr_green", one("1"), pessimism.ForceNew) {
				t.Fatal("acquire failed")
			}
			if acquire(ctx, t, m, "dr_green", one("1"), pessimism.ForceNew) {
				t.Error("ForceNew refreshed an existing lock")
			}
			if !acquire(ctx, t, m, "dr_green", one("1")) {
				t.Error("plain reacquire failed")
			}
		},
	},
	{
		Name: "DeleteExpiredLimit",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			const total = 120
			ids := make([]string, total)
			for i := range ids {
				ids[i] = fmt.Sprintf("%03d", i)
			}
			if !acquire(ctx, t, m, "dr_green", ids) {
				t.Fatal("acquire failed")
			}
			c.Advance(m.TTL() + time.Second)
			var sum int64
			for {
				n, err := m.DeleteExpired(ctx)
				if err != nil {
					t.Fatal(err)
				}
				if n > pessimism.DeleteExpiredLimit {
					t.Errorf("deleted %d > %d", n, pessimism.DeleteExpiredLimit)
				}
				if n == 0 {
					break
				}
				sum += n
			}
			if got, want := sum, int64(total); got != want {
				t.Errorf("got: %d, want: %d", got, want)
			}
		},
	},
	{
		Name: "Validation",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			long := strings.Repeat("x", pessimism.MaxFieldLength+1)
			bad := []struct {
				Name    string
				Targets []pessimism.Target
				Holder  string
				Reason  string
			}{
				{Name: "Holder", Targets: []pessimism.Target{target("1")}, Holder: long},
				{Name: "Reason", Targets: []pessimism.Target{target("1")}, Reason: long},
				{Name: "ID", Targets: []pessimism.Target{target("1"), target(long)}},
				{Name: "Blank", Targets: []pessimism.Target{target("1"), target("  ")}},
				{Name: "Type", Targets: []pessimism.Target{pessimism.Resource{ID: "1", Type: long}}},
			}
			for _, tc := range bad {
				ok, err := m.Acquire(ctx, tc.Targets, tc.Holder, tc.Reason)
				if ok || !errors.Is(err, pessimism.ErrInvalid) {
					t.Errorf("%s: got: (%v, %v)", tc.Name, ok, err)
				}
			}
			if got, want := holderOf(ctx, t, m, "1"), "<unlocked>"; got != want {
				t.Errorf("invalid acquisition wrote a lock held by %q", got)
			}
			// The empty holder is allowed.
			if !acquire(ctx, t, m, "", one("1")) {
				t.Error("empty holder refused")
			}
		},
	},
	{
		Name: "Contention",
		Run: func(ctx context.Context, t *testing.T, m *liblock.Manager, c *Clock) {
			const workers = 8
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				won  []string
				errs []error
			)
			for i := range workers {
				holder := fmt.Sprintf("worker%d", i)
				wg.Add(1)
				go func() {
					defer wg.Done()
					// Overlapping sets in both orders.
					ts := []pessimism.Target{target("a"), target("b")}
					if i%2 == 1 {
						ts[0], ts[1] = ts[1], ts[0]
					}
					ok, err := m.Acquire(ctx, ts, holder, "")
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
					}
					if ok {
						won = append(won, holder)
					}
				}()
			}
			wg.Wait()
			if err := errors.Join(errs...); err != nil {
				t.Fatal(err)
			}
			if len(won) != 1 {
				t.Fatalf("winners: %v", won)
			}
			for _, id := range []string{"a", "b"} {
				if got, want := holderOf(ctx, t, m, id), won[0]; got != want {
					t.Errorf("%s: got: %q, want: %q", id, got, want)
				}
			}
		},
	},
}
