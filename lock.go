package pessimism

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTTL is how long a lock without an expiry handler stays live after
	// its last refresh.
	DefaultTTL = 15 * time.Minute

	// DeleteExpiredLimit is the most records a single expiry sweep removes.
	// Callers wanting a full sweep call again until nothing is removed.
	DeleteExpiredLimit = 50

	// MaxFieldLength is the maximum length, in characters, of every string
	// field of a Lock.
	MaxFieldLength = 100
)

// Lock is a persisted lock record.
//
// At most one Lock exists for a given (ResourceID, ResourceType) pair. The
// datastore enforces this with a unique index.
type Lock struct {
	ID           int64
	ResourceType string
	ResourceID   string
	// Holder identifies who owns the lock. It may be empty: the empty holder
	// is the one-time holder used by package lockable.
	Holder string
	// Reason is free-form text shown to whoever is blocked by this lock.
	// The empty string is stored as NULL.
	Reason string
	// ExpiryHandler is an opaque tag naming whoever manages this lock's
	// lifecycle. A Lock with an ExpiryHandler never expires automatically.
	// The empty string means "no handler" and is stored as NULL.
	ExpiryHandler string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Key reports the Lock's composite key.
func (l *Lock) Key() Key {
	return Key{ResourceID: l.ResourceID, ResourceType: l.ResourceType}
}

// Expired reports whether the Lock is past its lease as of "now".
//
// A Lock with an ExpiryHandler never expires.
func (l *Lock) Expired(now time.Time, ttl time.Duration) bool {
	return l.ExpiryHandler == "" && l.UpdatedAt.Before(now.Add(-ttl))
}

// Validate reports whether the Lock may be persisted.
//
// The returned error is an [*Error] of kind [ErrInvalid] describing every
// violated constraint.
func (l *Lock) Validate() error {
	var errs []error
	present := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%q must be present", name))
		}
	}
	length := func(name, v string) {
		if n := utf8.RuneCountInString(v); n > MaxFieldLength {
			errs = append(errs, fmt.Errorf("%q is too long (%d > %d characters)", name, n, MaxFieldLength))
		}
	}
	present("resource_id", l.ResourceID)
	present("resource_type", l.ResourceType)
	length("resource_id", l.ResourceID)
	length("resource_type", l.ResourceType)
	length("holder", l.Holder)
	length("reason", l.Reason)
	length("expiry_handler", l.ExpiryHandler)
	if len(errs) == 0 {
		return nil
	}
	return &Error{
		Op:      "pessimism/Lock.Validate",
		Kind:    ErrInvalid,
		Message: "invalid lock record",
		Inner:   errors.Join(errs...),
	}
}

// Outcome is the result of a datastore write of a Lock.
type Outcome uint8

// Outcomes reported by datastore writes.
//
// OutcomeConflict is an expected result: another transaction created a Lock
// for the same key, or the Lock was removed out from under the writer.
// OutcomeError accompanies a non-nil error.
const (
	OutcomeError Outcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeError:
		return "error"
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}
