package internal

import (
	"sync"

	"github.com/phoenixkv/phoenix/lib/db/util"
)

// --------------------------------------------------------------------------
// Entry Type (value with metadata)
// --------------------------------------------------------------------------

// Entry stores a value with its metadata
type Entry struct {
	Value    []byte
	ExpireAt int64  // unix nanoseconds, 0 = never
	Version  uint64 // write index of the last insert
	Seq      uint64 // insertion sequence, defines the LookupAll order
}

// Expired reports whether the entry is logically absent at now (unix nanoseconds)
func (e *Entry) Expired(now int64) bool {
	return e.ExpireAt != 0 && now >= e.ExpireAt
}

// --------------------------------------------------------------------------
// Shard Type (partition of the table)
// --------------------------------------------------------------------------

// Shard is a partition of the table with its own lock.
// Data and ExpireHeap must only be accessed while holding the lock; the
// heap contains exactly the keys of Data that have an expiry.
type Shard struct {
	sync.RWMutex
	Data       map[string]*Entry
	ExpireHeap *util.MapHeap[string]
}

// NewShard creates an empty shard
func NewShard() *Shard {
	return &Shard{
		Data:       make(map[string]*Entry),
		ExpireHeap: util.NewMapHeap[string](),
	}
}

// Reset drops all entries. The caller must hold the write lock.
func (s *Shard) Reset() {
	s.Data = make(map[string]*Entry)
	s.ExpireHeap.Clear()
}

// GetShard returns the shard responsible for a key hash
//
// Thread-safety: This function is thread-safe and can be called concurrently.
func GetShard(hash uint64, shards []*Shard) *Shard {
	return shards[util.ShardIndex(hash, len(shards))]
}
