// Package db defines the KVDB interface that every phoenix storage engine
// implements. One KVDB instance is one table: a mapping from string keys to
// byte values with an optional absolute expiry per entry.
//
// Key Components:
//
//   - KVDB Interface: Insert/InsertAt, Lookup/LookupAll, Delete/DeleteAll,
//     SweepExpired, Save/Load and metadata.
//
//   - Errors: ErrCapacityExceeded, ErrCorruptSnapshot and ErrClosed are
//     sentinel errors, callers test for them with errors.Is.
//
//   - Clock: engines take the current time from an injectable Clock so that
//     expiry can be tested deterministically.
//
// Note on Expiry:
//   - The read path is authoritative. Lookup, LookupAll, Len and Save never
//     return an entry whose expiry is <= now, even if it still exists
//     internally.
//   - SweepExpired only reclaims memory. Implementations are free to call it
//     lazily or to rely on a background timer driven by the caller.
//
// Note on Versions:
//   - Every successful insert takes the next value of a table-wide write
//     index. Versions of a key are therefore strictly increasing, and the
//     write index survives DeleteAll.
//
// Note on Persistence:
//   - Snapshots are a plain concatenation of wire INSERT frames (see package
//     lib/wire), one per live entry, in insertion order. Entries with an expiry
//     carry wire.FlagExpiresAt.
//
// Related Packages:
//
// The engines/ember package (github.com/phoenixkv/phoenix/lib/db/engines/ember)
// provides a sharded in-memory implementation.
//
// The util package (github.com/phoenixkv/phoenix/lib/db/util) contains the
// expiry heap, hashing helpers and size statistics used by engines.
//
// The testing package (github.com/phoenixkv/phoenix/lib/db/testing) provides a
// conformance suite (RunKVDBTests) and benchmarks for KVDB implementations.
package db
