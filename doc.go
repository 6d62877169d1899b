// Package pessimism holds the shared types for a database-backed pessimistic
// lock manager.
//
// A lock names a resource by a (resource id, resource type) pair and records
// who holds it. Locks live in one transactional store, which is the only
// arbiter: there is no in-process coordination and no waiting. A contended
// acquisition fails immediately.
//
// The packages are arranged like so:
//
//   - [github.com/quay/pessimism/datastore] describes the store, with
//     implementations in datastore/postgres and datastore/sqlite.
//   - [github.com/quay/pessimism/liblock] is the lock manager.
//   - [github.com/quay/pessimism/lockable] attaches lock operations to a
//     single entity.
//   - [github.com/quay/pessimism/reaper] periodically deletes expired locks.
//
// # Leases
//
// A lock without an expiry handler is a lease: it expires [DefaultTTL] after
// it was last acquired or refreshed, and an expired lock neither blocks
// acquisition nor survives the next sweep. A lock with an expiry handler
// never expires on its own.
package pessimism // import "github.com/quay/pessimism"
