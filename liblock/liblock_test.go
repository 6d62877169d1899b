package liblock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"

	"github.com/quay/pessimism"
	"github.com/quay/pessimism/datastore"
	"github.com/quay/pessimism/test"
	mock_datastore "github.com/quay/pessimism/test/mock/datastore"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Fixture wires a Manager to mocks. The returned Tx is handed to every
// function passed to Store.Update.
func fixture(t *testing.T) (*Manager, *mock_datastore.MockStore, *mock_datastore.MockTx) {
	t.Helper()
	ctl := gomock.NewController(t)
	store := mock_datastore.NewMockStore(ctl)
	tx := mock_datastore.NewMockTx(ctl)
	m, err := New(test.Logging(t), &Options{
		Store: store,
		Now:   func() time.Time { return epoch },
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, store, tx
}

// RunUpdate is a Store.Update implementation that runs the function with the
// provided Tx and reports its error, the way a real store does after rollback.
func runUpdate(tx datastore.Tx) func(context.Context, func(context.Context, datastore.Tx) error) error {
	return func(ctx context.Context, f func(context.Context, datastore.Tx) error) error {
		return f(ctx, tx)
	}
}

func patient(id string) pessimism.Target {
	return pessimism.Resource{ID: id, Type: "Patient"}
}

func TestNew(t *testing.T) {
	ctx := test.Logging(t)
	ctl := gomock.NewController(t)

	t.Run("NoStore", func(t *testing.T) {
		_, err := New(ctx, &Options{})
		if !errors.Is(err, pessimism.ErrInvalid) {
			t.Errorf("unexpected error: %v", err)
		}
	})
	t.Run("NegativeTTL", func(t *testing.T) {
		_, err := New(ctx, &Options{Store: mock_datastore.NewMockStore(ctl), TTL: -time.Second})
		if !errors.Is(err, pessimism.ErrInvalid) {
			t.Errorf("unexpected error: %v", err)
		}
	})
	t.Run("Defaults", func(t *testing.T) {
		m, err := New(ctx, &Options{Store: mock_datastore.NewMockStore(ctl)})
		if err != nil {
			t.Fatal(err)
		}
		if got, want := m.TTL(), pessimism.DefaultTTL; got != want {
			t.Errorf("got: %v, want: %v", got, want)
		}
	})
}

func TestAcquire(t *testing.T) {
	t.Run("NoTargets", func(t *testing.T) {
		m, _, _ := fixture(t)
		ok, err := m.Acquire(test.Logging(t), nil, "dr_green", "")
		if ok || !errors.Is(err, pessimism.ErrInvalid) {
			t.Errorf("got: (%v, %v)", ok, err)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		m, _, _ := fixture(t)
		// No store calls are expected: validation fails first.
		ok, err := m.Acquire(test.Logging(t), []pessimism.Target{patient("1"), patient(" ")},
			"dr_green", strings.Repeat("x", 101))
		if ok || !errors.Is(err, pessimism.ErrInvalid) {
			t.Errorf("got: (%v, %v)", ok, err)
		}
		t.Log(err)
	})

	t.Run("Create", func(t *testing.T) {
		ctx := test.Logging(t)
		m, store, tx := fixture(t)
		keys := []pessimism.Key{
			{ResourceID: "1", ResourceType: "Patient"},
			{ResourceID: "2", ResourceType: "Patient"},
		}
		var created []pessimism.Lock
		store.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(runUpdate(tx))
		tx.EXPECT().Lookup(gomock.Any(), keys).Return(nil, nil)
		tx.EXPECT().Create(gomock.Any(), gomock.Any()).Times(2).
			DoAndReturn(func(_ context.Context, l *pessimism.Lock) (pessimism.Outcome, error) {
				created = append(created, *l)
				return pessimism.OutcomeCreated, nil
			})

		// Duplicates collapse and the keys are sorted.
		ok, err := m.Acquire(ctx, []pessimism.Target{patient("2"), patient("1"), patient("2")},
			"dr_green", "editing", pessimism.WithExpiryHandler("checkout"))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("not acquired")
		}
		want := []pessimism.Lock{
			{ResourceType: "Patient", ResourceID: "1", Holder: "dr_green", Reason: "editing", ExpiryHandler: "checkout", CreatedAt: epoch, UpdatedAt: epoch},
			{ResourceType: "Patient", ResourceID: "2", Holder: "dr_green", Reason: "editing", ExpiryHandler: "checkout", CreatedAt: epoch, UpdatedAt: epoch},
		}
		if !cmp.Equal(created, want) {
			t.Error(cmp.Diff(created, want))
		}
	})

	t.Run("Refresh", func(t *testing.T) {
		ctx := test.Logging(t)
		m, store, tx := fixture(t)
		held := pessimism.Lock{
			ID: 7, ResourceType: "Patient", ResourceID: "1", Holder: "dr_green",
			Reason: "old", CreatedAt: epoch.Add(-time.Minute), UpdatedAt: epoch.Add(-time.Minute),
		}
		store.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(runUpdate(tx))
		tx.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return([]pessimism.Lock{held}, nil)
		tx.EXPECT().Refresh(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, l *pessimism.Lock) (pessimism.Outcome, error) {
				want := held
				want.Reason = "new"
				want.UpdatedAt = epoch
				if !cmp.Equal(*l, want) {
					t.Error(cmp.Diff(*l, want))
				}
				return pessimism.OutcomeUpdated, nil
			})

		ok, err := m.Acquire(ctx, []pessimism.Target{patient("1")}, "dr_green", "new")
		if err != nil || !ok {
			t.Fatalf("got: (%v, %v)", ok, err)
		}
	})

	refused := []struct {
		Name   string
		Holder string
		Opts   []pessimism.AcquireOption
	}{
		{Name: "OtherHolder", Holder: "dr_ngui"},
		{Name: "ForceNew", Holder: "dr_green", Opts: []pessimism.AcquireOption{pessimism.ForceNew}},
		{Name: "OnlyOnce", Holder: "dr_green", Opts: []pessimism.AcquireOption{pessimism.OnlyOnce}},
	}
	for _, tc := range refused {
		t.Run(tc.Name, func(t *testing.T) {
			ctx := test.Logging(t)
			m, store, tx := fixture(t)
			held := pessimism.Lock{
				ID: 1, ResourceType: "Patient", ResourceID: "1", Holder: "dr_green",
				CreatedAt: epoch, UpdatedAt: epoch,
			}
			store.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(runUpdate(tx))
			tx.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return([]pessimism.Lock{held}, nil)
			// No Create or Refresh, even for the free target.

			ok, err := m.Acquire(ctx, []pessimism.Target{patient("1"), patient("2")}, tc.Holder, "", tc.Opts...)
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("acquired a held lock")
			}
		})
	}

	t.Run("ReapExpired", func(t *testing.T) {
		ctx := test.Logging(t)
		m, store, tx := fixture(t)
		stale := epoch.Add(-pessimism.DefaultTTL - time.Second)
		store.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(runUpdate(tx))
		tx.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return([]pessimism.Lock{
			{ID: 3, ResourceType: "Patient", ResourceID: "1", Holder: "dr_ngui", CreatedAt: stale, UpdatedAt: stale},
			{ID: 4, ResourceType: "Patient", ResourceID: "2", Holder: "dr_ngui", ExpiryHandler: "h", CreatedAt: stale, UpdatedAt: stale},
		}, nil)
		tx.EXPECT().Delete(gomock.Any(), int64(3)).Return(int64(1), nil)

		// The lock with a handler still blocks, but the reaping is committed.
		ok, err := m.Acquire(ctx, []pessimism.Target{patient("1"), patient("2")}, "dr_green", "")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("acquired a lock with an expiry handler")
		}
	})

	t.Run("Race", func(t *testing.T) {
		ctx := test.Logging(t)
		m, store, tx := fixture(t)
		var txErr error
		store.EXPECT().Update(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, f func(context.Context, datastore.Tx) error) error {
				txErr = f(ctx, tx)
				return txErr
			})
		tx.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, nil)
		gomock.InOrder(
			tx.EXPECT().Create(gomock.Any(), gomock.Any()).Return(pessimism.OutcomeCreated, nil),
			tx.EXPECT().Create(gomock.Any(), gomock.Any()).Return(pessimism.OutcomeConflict, nil),
		)

		ok, err := m.Acquire(ctx, []pessimism.Target{patient("1"), patient("2")}, "dr_green", "")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("acquired after losing a race")
		}
		if txErr == nil {
			t.Error("transaction was not rolled back")
		}
	})

	t.Run("StoreError", func(t *testing.T) {
		ctx := test.Logging(t)
		m, store, tx := fixture(t)
		boom := errors.New("boom")
		store.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(runUpdate(tx))
		tx.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, nil)
		tx.EXPECT().Create(gomock.Any(), gomock.Any()).Return(pessimism.OutcomeError, boom)

		ok, err := m.Acquire(ctx, []pessimism.Target{patient("1")}, "dr_green", "")
		if ok || !errors.Is(err, boom) {
			t.Errorf("got: (%v, %v)", ok, err)
		}
	})

	t.Run("LookupError", func(t *testing.T) {
		ctx := test.Logging(t)
		m, store, tx := fixture(t)
		boom := errors.New("boom")
		store.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(runUpdate(tx))
		tx.EXPECT().Lookup(gomock.Any(), gomock.Any()).Return(nil, boom)

		ok, err := m.Acquire(ctx, []pessimism.Target{patient("1")}, "dr_green", "")
		if ok || !errors.Is(err, boom) {
			t.Errorf("got: (%v, %v)", ok, err)
		}
	})
}

func TestRelease(t *testing.T) {
	t.Run("NoTargets", func(t *testing.T) {
		m, _, _ := fixture(t)
		_, err := m.Release(test.Logging(t), nil, "dr_green")
		if !errors.Is(err, pessimism.ErrInvalid) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		ctx := test.Logging(t)
		m, store, _ := fixture(t)
		store.EXPECT().Release(gomock.Any(), []pessimism.Key{
			{ResourceID: "1", ResourceType: "Patient"},
			{ResourceID: "2", ResourceType: "Patient"},
		}, "dr_green").Return(int64(1), nil)

		n, err := m.Release(ctx, []pessimism.Target{patient("2"), patient("1"), patient("1")}, "dr_green")
		if err != nil {
			t.Fatal(err)
		}
		if got, want := n, int64(1); got != want {
			t.Errorf("got: %d, want: %d", got, want)
		}
	})

	t.Run("Error", func(t *testing.T) {
		ctx := test.Logging(t)
		m, store, _ := fixture(t)
		boom := errors.New("boom")
		store.EXPECT().Release(gomock.Any(), gomock.Any(), gomock.Any()).Return(int64(0), boom)
		if _, err := m.Release(ctx, []pessimism.Target{patient("1")}, "dr_green"); !errors.Is(err, boom) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestFindFor(t *testing.T) {
	ctx := test.Logging(t)
	m, store, _ := fixture(t)
	store.EXPECT().Find(gomock.Any(), pessimism.Key{ResourceID: "1", ResourceType: "Patient"}).Return(nil, nil)
	l, err := m.FindFor(ctx, patient("1"))
	if err != nil {
		t.Fatal(err)
	}
	if l != nil {
		t.Errorf("unexpected lock: %+v", l)
	}
}

func TestDeleteExpired(t *testing.T) {
	ctx := test.Logging(t)
	m, store, _ := fixture(t)
	store.EXPECT().
		DeleteExpired(gomock.Any(), epoch.Add(-pessimism.DefaultTTL), pessimism.DeleteExpiredLimit).
		Return(int64(pessimism.DeleteExpiredLimit), nil)
	n, err := m.DeleteExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n, int64(pessimism.DeleteExpiredLimit); got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}

	if m.Expired(&pessimism.Lock{UpdatedAt: epoch}) {
		t.Error("fresh lock reported expired")
	}
	if !m.Expired(&pessimism.Lock{UpdatedAt: epoch.Add(-time.Hour)}) {
		t.Error("stale lock not reported expired")
	}
}
