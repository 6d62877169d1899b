package pessimism

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func ExampleError() {
	fmt.Println(&Error{
		Inner:   nil,
		Kind:    ErrInternal,
		Message: "test",
		Op:      "ExampleError",
	})

	fmt.Println(&Error{
		Inner:   sql.ErrNoRows,
		Kind:    ErrPrecondition,
		Message: "needed object missing",
		Op:      "Lookup",
	})
	fmt.Println(fmt.Errorf("somepackage: oops: %w", &Error{
		Kind:    ErrInvalid,
		Message: `"holder" too long`,
		Op:      "pessimism/Lock.Validate",
	}))
	fmt.Println(&Error{
		Kind:    ErrConflict,
		Message: "lock could not be acquired",
		Op:      "lockable/Lockable.WithLock",
		Held:    &Lock{ResourceType: "Patient", ResourceID: "1", Holder: "dr_green"},
	})

	// Output:
	// ExampleError [internal]: test
	// Lookup [precondition]: needed object missing: sql: no rows in result set
	// somepackage: oops: pessimism/Lock.Validate [invalid]: "holder" too long
	// lockable/Lockable.WithLock [conflict]: lock could not be acquired (held by "dr_green")
}

func TestErrorKind(t *testing.T) {
	tt := []struct {
		Name string
		Err  error
		Is   []error
		Not  []error
	}{
		{
			Name: "Invalid",
			Err:  &Error{Kind: ErrInvalid, Message: "bad"},
			Is:   []error{ErrInvalid},
			Not:  []error{ErrConflict, ErrTransient},
		},
		{
			Name: "WrappedConflict",
			Err:  fmt.Errorf("lockable: %w", &Error{Kind: ErrConflict}),
			Is:   []error{ErrConflict},
			Not:  []error{ErrInvalid},
		},
		{
			Name: "InnerKind",
			Err: &Error{
				Kind:  ErrInternal,
				Inner: &Error{Kind: ErrTransient, Inner: sql.ErrConnDone},
			},
			Is:  []error{ErrInternal, ErrTransient, sql.ErrConnDone},
			Not: []error{ErrPermanent},
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			t.Log(tc.Err)
			for _, k := range tc.Is {
				if !errors.Is(tc.Err, k) {
					t.Errorf("errors.Is(%v) = false, want true", k)
				}
			}
			for _, k := range tc.Not {
				if errors.Is(tc.Err, k) {
					t.Errorf("errors.Is(%v) = true, want false", k)
				}
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: ErrorKind("bogus"), Op: "op"}
	if got := err.Error(); !strings.Contains(got, "???") {
		t.Errorf("unknown kind not marked: %q", got)
	}
	err = &Error{Inner: sql.ErrNoRows}
	if got, want := err.Error(), sql.ErrNoRows.Error(); got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	err = &Error{Kind: ErrTransient}
	if got, want := err.Error(), "[transient]"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
}

func TestHeldBy(t *testing.T) {
	held := &Lock{ResourceType: "Patient", ResourceID: "1", Holder: "dr_green"}
	tt := []struct {
		Name string
		Err  error
		Want string
		OK   bool
	}{
		{Name: "Nil"},
		{Name: "Plain", Err: sql.ErrNoRows},
		{Name: "NoLock", Err: &Error{Kind: ErrConflict}},
		{
			Name: "Direct",
			Err:  &Error{Kind: ErrConflict, Held: held},
			Want: "dr_green", OK: true,
		},
		{
			Name: "Nested",
			Err: fmt.Errorf("handler: %w", &Error{
				Kind:  ErrInternal,
				Inner: &Error{Kind: ErrConflict, Held: held},
			}),
			Want: "dr_green", OK: true,
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			got, ok := HeldBy(tc.Err)
			if got != tc.Want || ok != tc.OK {
				t.Errorf("got: (%q, %v), want: (%q, %v)", got, ok, tc.Want, tc.OK)
			}
		})
	}
}
