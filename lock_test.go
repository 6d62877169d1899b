package pessimism

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestValidate(t *testing.T) {
	long := strings.Repeat("x", MaxFieldLength+1)
	max := strings.Repeat("x", MaxFieldLength)
	// Multibyte characters count once each.
	wide := strings.Repeat("é", MaxFieldLength)
	ok := func() Lock {
		return Lock{ResourceID: "1", ResourceType: "Patient", Holder: "dr_green"}
	}

	tt := []struct {
		Name  string
		Mod   func(*Lock)
		Valid bool
	}{
		{Name: "OK", Mod: func(*Lock) {}, Valid: true},
		{Name: "EmptyHolder", Mod: func(l *Lock) { l.Holder = "" }, Valid: true},
		{Name: "MaxLength", Mod: func(l *Lock) {
			l.ResourceID, l.ResourceType, l.Holder, l.Reason, l.ExpiryHandler = max, max, max, max, max
		}, Valid: true},
		{Name: "Multibyte", Mod: func(l *Lock) { l.Reason = wide }, Valid: true},
		{Name: "EmptyID", Mod: func(l *Lock) { l.ResourceID = "" }},
		{Name: "BlankID", Mod: func(l *Lock) { l.ResourceID = " " }},
		{Name: "EmptyType", Mod: func(l *Lock) { l.ResourceType = "" }},
		{Name: "BlankType", Mod: func(l *Lock) { l.ResourceType = "\t" }},
		{Name: "LongID", Mod: func(l *Lock) { l.ResourceID = long }},
		{Name: "LongType", Mod: func(l *Lock) { l.ResourceType = long }},
		{Name: "LongHolder", Mod: func(l *Lock) { l.Holder = long }},
		{Name: "LongReason", Mod: func(l *Lock) { l.Reason = long }},
		{Name: "LongHandler", Mod: func(l *Lock) { l.ExpiryHandler = long }},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			l := ok()
			tc.Mod(&l)
			err := l.Validate()
			t.Logf("error: %v", err)
			switch {
			case tc.Valid && err != nil:
				t.Errorf("unexpected error: %v", err)
			case !tc.Valid && err == nil:
				t.Error("expected error")
			case !tc.Valid && !errors.Is(err, ErrInvalid):
				t.Errorf("wrong error kind: %v", err)
			}
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tt := []struct {
		Name    string
		Lock    Lock
		Expired bool
	}{
		{
			Name: "Fresh",
			Lock: Lock{UpdatedAt: now.Add(-time.Minute)},
		},
		{
			Name:    "Stale",
			Lock:    Lock{UpdatedAt: now.Add(-DefaultTTL - time.Second)},
			Expired: true,
		},
		{
			Name: "Boundary",
			Lock: Lock{UpdatedAt: now.Add(-DefaultTTL)},
		},
		{
			Name: "Handler",
			Lock: Lock{UpdatedAt: now.Add(-24 * time.Hour), ExpiryHandler: "checkout"},
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			if got, want := tc.Lock.Expired(now, DefaultTTL), tc.Expired; got != want {
				t.Errorf("got: %v, want: %v", got, want)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	in := []Target{
		Resource{ID: "2", Type: "Patient"},
		NewResource("a"),
		Resource{ID: "1", Type: "Patient"},
		Resource{ID: "2", Type: "Patient"},
	}
	want := []Key{
		{ResourceID: "1", ResourceType: "Patient"},
		{ResourceID: "2", ResourceType: "Patient"},
		{ResourceID: "a", ResourceType: DefaultResourceType},
	}
	got := Keys(in)
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
}

func TestParseKey(t *testing.T) {
	tt := []struct {
		In   string
		Want Key
		Err  bool
	}{
		{In: "Patient:1", Want: Key{ResourceID: "1", ResourceType: "Patient"}},
		{In: "urn:a:b", Want: Key{ResourceID: "a:b", ResourceType: "urn"}},
		{In: "Patient", Err: true},
		{In: ":1", Err: true},
		{In: "Patient:", Err: true},
	}
	for _, tc := range tt {
		t.Run(tc.In, func(t *testing.T) {
			got, err := ParseKey(tc.In)
			if (err != nil) != tc.Err {
				t.Fatalf("unexpected error state: %v", err)
			}
			if tc.Err {
				return
			}
			if !cmp.Equal(got, tc.Want) {
				t.Error(cmp.Diff(got, tc.Want))
			}
			if got, want := got.String(), tc.In; got != want {
				t.Errorf("round trip: got: %q, want: %q", got, want)
			}
		})
	}
}

func TestAcquireConfig(t *testing.T) {
	tt := []struct {
		Name string
		Opts []AcquireOption
		Want AcquireConfig
	}{
		{Name: "Default"},
		{Name: "ForceNew", Opts: []AcquireOption{ForceNew}, Want: AcquireConfig{ForceNew: true}},
		{Name: "OnlyOnce", Opts: []AcquireOption{OnlyOnce, nil}, Want: AcquireConfig{OnlyOnce: true}},
		{
			Name: "Handler",
			Opts: []AcquireOption{WithExpiryHandler("a"), WithExpiryHandler("b")},
			Want: AcquireConfig{ExpiryHandler: "b"},
		},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			got := NewAcquireConfig(tc.Opts...)
			if !cmp.Equal(got, tc.Want) {
				t.Error(cmp.Diff(got, tc.Want))
			}
		})
	}

	t.Run("Refuses", func(t *testing.T) {
		if (AcquireConfig{}).Refuses("a", "a") {
			t.Error("same holder refused")
		}
		if !(AcquireConfig{}).Refuses("a", "b") {
			t.Error("other holder allowed")
		}
		if !(AcquireConfig{OnlyOnce: true}).Refuses("a", "a") {
			t.Error("OnlyOnce allowed same holder")
		}
		if !(AcquireConfig{ForceNew: true}).Refuses("a", "a") {
			t.Error("ForceNew allowed same holder")
		}
	})
}
