package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/spaolacci/murmur3"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed returns a random seed for hash distribution
func GenerateSeed() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString hashes s with the 64 bit murmur3 function and the given seed
func HashString(s string, seed uint32) uint64 {
	return murmur3.Sum64WithSeed([]byte(s), seed)
}

// ShardIndex maps a key hash onto one of n shards.
// The low bits are dropped because they are also used by Go's map buckets.
func ShardIndex(hash uint64, n int) int {
	return int((hash >> 7) % uint64(n))
}
