// Package storetest is a conformance suite for [datastore.Store]
// implementations.
//
// An implementation's tests call [Run] with a function that opens a fresh,
// empty Store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
	"github.com/quay/pessimism/liblock"
	"github.com/quay/pessimism/test"
)

// Opener returns a new, empty Store. It should arrange for the Store to be
// closed when the test ends.
type Opener func(ctx context.Context, t testing.TB) datastore.Store

// Epoch is the starting time for the fake clock used by the suite.
var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Run runs the conformance suite.
func Run(t *testing.T, open Opener) {
	t.Run("Store", func(t *testing.T) {
		for _, tc := range storeTests {
			t.Run(tc.Name, func(t *testing.T) {
				ctx := test.Logging(t)
				tc.Run(ctx, t, open(ctx, t))
			})
		}
	})
	t.Run("Manager", func(t *testing.T) {
		for _, tc := range managerTests {
			t.Run(tc.Name, func(t *testing.T) {
				ctx := test.Logging(t)
				c := &Clock{now: epoch}
				m, err := liblock.New(ctx, &liblock.Options{
					Store: open(ctx, t),
					Now:   c.Now,
				})
				if err != nil {
					t.Fatal(err)
				}
				tc.Run(ctx, t, m, c)
			})
		}
	})
}

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now reports the clock's time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// LockCmp compares Locks, allowing for the timestamp precision of the
// database.
var lockCmp = cmp.Options{
	cmpopts.EquateApproxTime(time.Millisecond),
}

func key(id string) pessimism.Key {
	return pessimism.Key{ResourceID: id, ResourceType: "Patient"}
}

func target(id string) pessimism.Target {
	return pessimism.Resource{ID: id, Type: "Patient"}
}

func newLock(id, holder string, at time.Time) pessimism.Lock {
	return pessimism.Lock{
		ResourceType: "Patient",
		ResourceID:   id,
		Holder:       holder,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

// Create writes the Locks in one transaction, failing the test on anything
// but a Created outcome.
func create(ctx context.Context, t testing.TB, s datastore.Store, ls ...*pessimism.Lock) {
	t.Helper()
	err := s.Update(ctx, func(ctx context.Context, tx datastore.Tx) error {
		for _, l := range ls {
			out, err := tx.Create(ctx, l)
			if err != nil {
				return err
			}
			if out != pessimism.OutcomeCreated {
				return fmt.Errorf("unexpected outcome for %v: %v", l.Key(), out)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func find(ctx context.Context, t testing.TB, s datastore.Store, k pessimism.Key) *pessimism.Lock {
	t.Helper()
	l, err := s.Find(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

type storeTest struct {
	Name string
	Run  func(context.Context, *testing.T, datastore.Store)
}

var storeTests = []storeTest{
	{
		Name: "FindMissing",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			if l := find(ctx, t, s, key("1")); l != nil {
				t.Errorf("unexpected lock: %+v", l)
			}
		},
	},
	{
		Name: "CreateFind",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			l := newLock("1", "dr_green", epoch)
			l.Reason = "editing"
			l.ExpiryHandler = "checkout"
			create(ctx, t, s, &l)
			if l.ID == 0 {
				t.Error("ID not populated")
			}
			got := find(ctx, t, s, key("1"))
			if got == nil {
				t.Fatal("lock missing")
			}
			if !cmp.Equal(*got, l, lockCmp) {
				t.Error(cmp.Diff(*got, l, lockCmp))
			}
		},
	},
	{
		Name: "EmptyFields",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			l := newLock("1", "", epoch)
			create(ctx, t, s, &l)
			got := find(ctx, t, s, key("1"))
			if got == nil {
				t.Fatal("lock missing")
			}
			if !cmp.Equal(*got, l, lockCmp) {
				t.Error(cmp.Diff(*got, l, lockCmp))
			}
		},
	},
	{
		Name: "CreateConflict",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			first := newLock("1", "dr_green", epoch)
			create(ctx, t, s, &first)
			second := newLock("1", "dr_ngui", epoch)
			err := s.Update(ctx, func(ctx context.Context, tx datastore.Tx) error {
				out, err := tx.Create(ctx, &second)
				if err != nil {
					return err
				}
				if got, want := out, pessimism.OutcomeConflict; got != want {
					t.Errorf("got: %v, want: %v", got, want)
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if got := find(ctx, t, s, key("1")); got == nil || got.Holder != "dr_green" {
				t.Errorf("lock changed: %+v", got)
			}
		},
	},
	{
		Name: "Refresh",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			l := newLock("1", "dr_green", epoch)
			create(ctx, t, s, &l)
			l.Reason = "again"
			l.ExpiryHandler = "h"
			l.UpdatedAt = epoch.Add(time.Minute)
			wrongHolder := l
			wrongHolder.Holder = "dr_ngui"
			missing := l
			missing.ID = l.ID + 1000

			err := s.Update(ctx, func(ctx context.Context, tx datastore.Tx) error {
				for _, c := range []struct {
					L    *pessimism.Lock
					Want pessimism.Outcome
				}{
					{L: &wrongHolder, Want: pessimism.OutcomeConflict},
					{L: &missing, Want: pessimism.OutcomeConflict},
					{L: &l, Want: pessimism.OutcomeUpdated},
				} {
					out, err := tx.Refresh(ctx, c.L)
					if err != nil {
						return err
					}
					if out != c.Want {
						t.Errorf("%+v: got: %v, want: %v", c.L, out, c.Want)
					}
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			got := find(ctx, t, s, key("1"))
			if got == nil {
				t.Fatal("lock missing")
			}
			if !cmp.Equal(*got, l, lockCmp) {
				t.Error(cmp.Diff(*got, l, lockCmp))
			}
		},
	},
	{
		Name: "Rollback",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			boom := errors.New("boom")
			err := s.Update(ctx, func(ctx context.Context, tx datastore.Tx) error {
				l := newLock("1", "dr_green", epoch)
				if _, err := tx.Create(ctx, &l); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Errorf("unexpected error: %v", err)
			}
			if l := find(ctx, t, s, key("1")); l != nil {
				t.Errorf("write survived rollback: %+v", l)
			}
		},
	},
	{
		Name: "LookupDelete",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			a, b := newLock("1", "dr_green", epoch), newLock("2", "dr_ngui", epoch)
			other := pessimism.Lock{ResourceType: "Chart", ResourceID: "1", Holder: "dr_green", CreatedAt: epoch, UpdatedAt: epoch}
			create(ctx, t, s, &a, &b, &other)
			err := s.Update(ctx, func(ctx context.Context, tx datastore.Tx) error {
				got, err := tx.Lookup(ctx, []pessimism.Key{key("1"), key("2"), key("3")})
				if err != nil {
					return err
				}
				want := []pessimism.Lock{a, b}
				opts := cmp.Options{lockCmp, cmpopts.SortSlices(func(a, b pessimism.Lock) bool { return a.ID < b.ID })}
				if !cmp.Equal(got, want, opts) {
					t.Error(cmp.Diff(got, want, opts))
				}
				n, err := tx.Delete(ctx, a.ID, b.ID, b.ID+1000)
				if err != nil {
					return err
				}
				if got, want := n, int64(2); got != want {
					t.Errorf("deleted: got: %d, want: %d", got, want)
				}
				got, err = tx.Lookup(ctx, []pessimism.Key{key("1"), key("2")})
				if err != nil {
					return err
				}
				if len(got) != 0 {
					t.Errorf("unexpected locks: %+v", got)
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if l := find(ctx, t, s, other.Key()); l == nil {
				t.Error("unrelated lock removed")
			}
		},
	},
	{
		Name: "Release",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			a, b := newLock("1", "dr_green", epoch), newLock("2", "dr_ngui", epoch)
			a.ExpiryHandler = "checkout"
			create(ctx, t, s, &a, &b)
			n, err := s.Release(ctx, []pessimism.Key{key("1"), key("2"), key("3")}, "dr_green")
			if err != nil {
				t.Fatal(err)
			}
			if got, want := n, int64(1); got != want {
				t.Errorf("got: %d, want: %d", got, want)
			}
			if l := find(ctx, t, s, key("1")); l != nil {
				t.Errorf("lock not released: %+v", l)
			}
			if l := find(ctx, t, s, key("2")); l == nil {
				t.Error("other holder's lock released")
			}
		},
	},
	{
		Name: "DeleteExpired",
		Run: func(ctx context.Context, t *testing.T, s datastore.Store) {
			const stale = 60
			stamp := epoch.Add(-time.Hour)
			ls := make([]*pessimism.Lock, 0, stale+2)
			for i := range stale {
				l := newLock(fmt.Sprint(i), "dr_green", stamp)
				ls = append(ls, &l)
			}
			handled := newLock("handled", "dr_green", stamp)
			handled.ExpiryHandler = "checkout"
			fresh := newLock("fresh", "dr_green", epoch)
			ls = append(ls, &handled, &fresh)
			create(ctx, t, s, ls...)

			var counts []int64
			for {
				n, err := s.DeleteExpired(ctx, epoch.Add(-time.Minute), pessimism.DeleteExpiredLimit)
				if err != nil {
					t.Fatal(err)
				}
				counts = append(counts, n)
				if n == 0 || len(counts) > 5 {
					break
				}
			}
			want := []int64{pessimism.DeleteExpiredLimit, stale - pessimism.DeleteExpiredLimit, 0}
			if !cmp.Equal(counts, want) {
				t.Error(cmp.Diff(counts, want))
			}
			if l := find(ctx, t, s, handled.Key()); l == nil {
				t.Error("lock with expiry handler removed")
			}
			if l := find(ctx, t, s, fresh.Key()); l == nil {
				t.Error("fresh lock removed")
			}
		},
	},
}
