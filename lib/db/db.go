package db

import (
	"errors"
	"io"
	"time"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrKeyNotFound is returned when a key is absent or expired
	ErrKeyNotFound = errors.New("key not found")

	// ErrCapacityExceeded is returned when a new key would exceed the configured maximum entry count
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrCorruptSnapshot is returned by Load if the snapshot stream is malformed
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrClosed is returned by write operations on a closed database
	ErrClosed = errors.New("database closed")
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplEmber Implementation = "ember"
)

// Clock returns the current wall clock time. It is injectable so that TTL
// behaviour can be tested without sleeping.
type Clock func() time.Time

// Pair is a single live entry as returned by LookupAll
type Pair struct {
	Key   string
	Value []byte
}

type DatabaseInfo struct {
	Entries   int            `json:"entries"`
	SizeBytes int            `json:"size_bytes"`
	WriteIdx  uint64         `json:"write_idx"`
	DbType    Implementation `json:"db_type"`
	Metadata  interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB is a single key-value table with per-entry expiry and versioning.
//
// Every successful Insert assigns the entry a new version taken from a
// table-wide write index, so versions of one key strictly increase.
// An entry whose expiry has passed is logically absent for every read even if
// SweepExpired has not removed it yet.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Insert creates or overwrites the entry for key and returns its new version.
	// ttl=0 means the entry never expires, otherwise it expires at now+ttl.
	// An overwrite keeps the key's position in the LookupAll order.
	Insert(key string, value []byte, ttl time.Duration) (version uint64, err error)

	// InsertAt works like Insert but takes an absolute expiry (zero time = no expiry).
	InsertAt(key string, value []byte, expireAt time.Time) (version uint64, err error)

	// Delete removes the entry for key and reports whether a live entry was removed.
	Delete(key string) (removed bool)

	// DeleteAll removes all entries and returns the number of live entries removed.
	DeleteAll() (count int)

	// SweepExpired physically removes all expired entries and returns how many were removed.
	SweepExpired() (count int)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Lookup returns a copy of the value stored for key.
	// The boolean is false if the key is absent or expired.
	Lookup(key string) (value []byte, ok bool)

	// LookupAll returns all live entries in insertion order as one consistent snapshot.
	LookupAll() []Pair

	// Len returns the number of live entries.
	Len() int

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save writes every live entry to w as an INSERT frame, in insertion order.
	Save(w io.Writer) (err error)

	// Load replays a stream written by Save into the (empty) database.
	// Any malformed record yields an error wrapping ErrCorruptSnapshot.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Metadata
	// --------------------------------------------------------------------------

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// WriteIdx returns the current write index (the last version handed out).
	WriteIdx() (index uint64)

	// Close releases all entries. Writes after Close fail with ErrClosed.
	Close() (err error)
}
