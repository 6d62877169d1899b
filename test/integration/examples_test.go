package integration_test

import (
	"context"
	"os"
	"testing"

	"github.com/quay/pessimism/datastore"
	"github.com/quay/pessimism/datastore/postgres"
	"github.com/quay/pessimism/datastore/storetest"
	"github.com/quay/pessimism/test/integration"
)

// A package with database tests starts the shared server once, in TestMain.
func ExampleDBSetup() {
	var m *testing.M // This should come from TestMain's argument.
	var c int
	defer func() { os.Exit(c) }()
	defer integration.DBSetup()()
	c = m.Run()
}

// Store tests give every case its own database, so cases can't see each
// other's locks.
func ExampleNewDB() {
	var t *testing.T // This should come from the test function's argument.
	integration.NeedDB(t)
	storetest.Run(t, func(ctx context.Context, t testing.TB) datastore.Store {
		db, err := integration.NewDB(ctx, t)
		if err != nil {
			t.Fatal(err)
		}
		s, err := postgres.New(ctx, db.Config(), postgres.WithMigrations)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			s.Close()
			db.Close(context.Background(), t)
		})
		return s
	})
}

// Tests that need something external other than the database, such as a
// collector for exported telemetry, call Skip.
func ExampleSkip() {
	var t *testing.T // This should come from the test function's argument.
	integration.Skip(t)
	t.Log("exporting to the collector")
}
