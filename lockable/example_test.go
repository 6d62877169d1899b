package lockable_test

import (
	"context"
	"fmt"

	"github.com/quay/pessimism/datastore/sqlite"
	"github.com/quay/pessimism/liblock"
	"github.com/quay/pessimism/lockable"
)

type Patient struct {
	ID   string
	Name string
}

func (p *Patient) PrimaryKey() string { return p.ID }

// An edit form re-acquires the patient's lock on every request made by the
// current user and releases it after a successful save.
func Example() {
	ctx := context.Background()
	s, err := sqlite.Open(ctx, sqlite.Memory, sqlite.WithMigrations)
	if err != nil {
		panic(err)
	}
	defer s.Close()
	m, err := liblock.New(ctx, &liblock.Options{Store: s})
	if err != nil {
		panic(err)
	}

	patient := &Patient{ID: "1", Name: "Mrs. Hudson"}
	request := func(user, action string) {
		l := lockable.New(m, lockable.TargetOf(patient))
		ok, err := l.Acquire(ctx, user, action)
		if err != nil {
			panic(err)
		}
		if !ok {
			fmt.Printf("%s: %s: unable to acquire patient edit lock (%s)\n", user, action, l.BlockingReason())
			return
		}
		fmt.Printf("%s: %s: ok\n", user, action)
		if action == "create" {
			if _, err := l.Release(ctx, user); err != nil {
				panic(err)
			}
		}
	}

	request("dr_green", "new")
	request("dr_ngui", "new")
	request("dr_green", "create")
	request("dr_ngui", "new")
	// Output:
	// dr_green: new: ok
	// dr_ngui: new: unable to acquire patient edit lock (new)
	// dr_green: create: ok
	// dr_ngui: new: ok
}

func ExampleLockable_WithOnceLock() {
	ctx := context.Background()
	s, err := sqlite.Open(ctx, sqlite.Memory, sqlite.WithMigrations)
	if err != nil {
		panic(err)
	}
	defer s.Close()
	m, err := liblock.New(ctx, &liblock.Options{Store: s})
	if err != nil {
		panic(err)
	}

	report := lockable.New(m, lockable.TargetOf(&Patient{ID: "1"}))
	err = report.WithOnceLock(ctx, "discharge summary", func(ctx context.Context) error {
		again := lockable.New(m, report.Target())
		ok, err := again.AcquireOnce(ctx, "discharge summary")
		fmt.Println("nested acquire:", ok, err)
		return nil
	})
	fmt.Println("error:", err)
	// Output:
	// nested acquire: false <nil>
	// error: <nil>
}
