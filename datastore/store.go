// Package datastore describes the interface a lock store provides to the lock
// manager.
//
// Implementations live in the subpackages. The conformance suite in
// datastore/storetest should be run against every implementation.
package datastore

import (
	"context"
	"time"

	"github.com/quay/pessimism"
)

// Store is the persistent home of lock records.
//
// The Store is the only arbiter of which holder owns a lock. Implementations
// must enforce at most one record per [pessimism.Key] and must be safe for
// concurrent use.
type Store interface {
	// Update runs "f" in a read-write transaction.
	//
	// If "f" returns nil the transaction is committed. Otherwise the
	// transaction is rolled back and the error returned. The Tx must not be
	// used after "f" returns.
	Update(ctx context.Context, f func(context.Context, Tx) error) error
	// Find reports the record for the Key, or nil if there is none.
	//
	// Expired records are reported as-is.
	Find(ctx context.Context, k pessimism.Key) (*pessimism.Lock, error)
	// Release deletes the records for the Keys that are held by "holder" and
	// reports how many were removed.
	Release(ctx context.Context, ks []pessimism.Key, holder string) (int64, error)
	// DeleteExpired deletes up to "limit" records last updated before "before"
	// that have no expiry handler, and reports how many were removed.
	//
	// Concurrent calls must not fail because of each other.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error)
	// Close releases the Store's resources.
	Close() error
}

// Tx is the view of a Store inside [Store.Update].
//
// Acquisition is a read-and-reap followed by writes: [Tx.Lookup] reads every
// record for the keys involved, [Tx.Delete] removes the ones found to be
// expired, and then [Tx.Create] or [Tx.Refresh] is called per key.
type Tx interface {
	// Lookup reports the records that exist for the Keys, in no particular
	// order. Keys without a record are omitted.
	//
	// Where the implementation supports it, the returned rows are locked until
	// the transaction ends.
	Lookup(ctx context.Context, ks []pessimism.Key) ([]pessimism.Lock, error)
	// Delete removes the records with the given IDs and reports how many were
	// removed.
	Delete(ctx context.Context, ids ...int64) (int64, error)
	// Create inserts the Lock and populates its ID.
	//
	// If a record for the Lock's key already exists, the Lock is not written
	// and [pessimism.OutcomeConflict] is reported with a nil error.
	Create(ctx context.Context, l *pessimism.Lock) (pessimism.Outcome, error)
	// Refresh overwrites the reason, expiry handler, and update time of the
	// record with the Lock's ID, provided it's still held by the Lock's
	// holder.
	//
	// If no such record exists, [pessimism.OutcomeConflict] is reported with
	// a nil error.
	Refresh(ctx context.Context, l *pessimism.Lock) (pessimism.Outcome, error)
}
