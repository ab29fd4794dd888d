// Package ember implements the in-memory table behind every database of the
// server. It satisfies the db.KVDB interface.
//
// Key Components:
//
//   - emberImpl: The table structure. It owns the shards, hands out versions
//     and insertion sequence numbers, and enforces the optional entry limit.
//
//   - Shard: A partition of the key space with its own RWMutex. Each shard
//     holds a map from key to entry and a MapHeap ordering the keys with an
//     expiry by their deadline. Both are always changed together under the
//     shard's write lock.
//
//   - Entry: The stored value plus its metadata: absolute expiry in unix
//     nanoseconds, the version of the last insert and the insertion sequence.
//
// Internal Mechanisms:
//
//   - Sharding Strategy: Keys are hashed with a seeded murmur3 hash, the hash is
//     right-shifted by 7 bits and reduced modulo the number of shards.
//
//   - Expiry: Lookups compare the entry's deadline with the clock, so an expired
//     entry is invisible from the moment its deadline passes. SweepExpired pops
//     due keys from each shard's heap and frees them; it locks one shard at a time.
//
//   - Versions: A table-wide counter is incremented on every successful insert.
//     Versions are strictly increasing across all keys of the table.
//
//   - Insertion Order: Every new key takes the next sequence number. Overwriting
//     a live key keeps its number, so its position in LookupAll does not change.
//     A key that is deleted or expired and then inserted again moves to the end.
//
//   - Capacity: With MaxEntries > 0 a new key is rejected with
//     db.ErrCapacityExceeded once the limit is reached. Before rejecting, the
//     table sweeps expired entries once and retries.
//
//   - Persistence Format: Save writes one wire INSERT frame per live entry in
//     insertion order. Entries with an expiry carry wire.FlagExpiresAt and an
//     absolute unix millisecond deadline in front of the value. Load replays
//     such a stream into an empty table and drops entries that expired while the
//     snapshot was on disk. LookupAll and Save hold every shard's read lock while
//     copying, so both see a consistent cut of the table.
package ember
