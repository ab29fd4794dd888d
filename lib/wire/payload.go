package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// --------------------------------------------------------------------------
// Pair Lists (INSERT_MANY requests, LOOKUP_ALL responses)
// --------------------------------------------------------------------------

// pairHeaderSize is the size of key_len:2 + value_len:4 in front of each pair
const pairHeaderSize = 6

// Pair is a single key/value record inside a pair list
type Pair struct {
	Key   []byte
	Value []byte
}

// PairsSize returns the encoded size of the pair list
func PairsSize(pairs []Pair) int {
	size := 0
	for _, p := range pairs {
		size += pairHeaderSize + len(p.Key) + len(p.Value)
	}
	return size
}

// AppendPairs appends the encoded pair list to dst
func AppendPairs(dst []byte, pairs []Pair) ([]byte, error) {
	var hdr [pairHeaderSize]byte
	for i, p := range pairs {
		if len(p.Key) > MaxKeyLen {
			return dst, fmt.Errorf("pair %d: key of %d bytes is too long", i, len(p.Key))
		}
		if uint64(len(p.Value)) > math.MaxUint32 {
			return dst, fmt.Errorf("pair %d: value of %d bytes is too long", i, len(p.Value))
		}
		binary.BigEndian.PutUint16(hdr[0:2], uint16(len(p.Key)))
		binary.BigEndian.PutUint32(hdr[2:6], uint32(len(p.Value)))
		dst = append(dst, hdr[:]...)
		dst = append(dst, p.Key...)
		dst = append(dst, p.Value...)
	}
	return dst, nil
}

// EncodePairs returns the encoded pair list
func EncodePairs(pairs []Pair) ([]byte, error) {
	return AppendPairs(make([]byte, 0, PairsSize(pairs)), pairs)
}

// DecodePairs decodes a pair list. The returned slices alias b.
// A truncated record is a ProtocolError.
func DecodePairs(b []byte) ([]Pair, error) {
	var pairs []Pair
	pos := 0
	for pos < len(b) {
		if len(b)-pos < pairHeaderSize {
			return nil, protocolErrorf("pair %d: truncated record header", len(pairs))
		}
		keyLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
		valueLen := uint64(binary.BigEndian.Uint32(b[pos+2 : pos+6]))
		pos += pairHeaderSize

		if uint64(len(b)-pos) < uint64(keyLen)+valueLen {
			return nil, protocolErrorf("pair %d: record declares %d bytes but only %d remain", len(pairs), uint64(keyLen)+valueLen, len(b)-pos)
		}

		p := Pair{}
		if keyLen > 0 {
			p.Key = b[pos : pos+keyLen : pos+keyLen]
		}
		pos += keyLen
		if valueLen > 0 {
			p.Value = b[pos : pos+int(valueLen) : pos+int(valueLen)]
		}
		pos += int(valueLen)

		pairs = append(pairs, p)
	}
	return pairs, nil
}

// --------------------------------------------------------------------------
// Fixed Width Prefixes (ttl, expiry, versions, counts)
// --------------------------------------------------------------------------

// PutUint64 returns an 8 byte big endian encoding of v followed by rest
func PutUint64(v uint64, rest []byte) []byte {
	b := make([]byte, 8, 8+len(rest))
	binary.BigEndian.PutUint64(b, v)
	return append(b, rest...)
}

// SplitUint64 reads a big endian uint64 prefix and returns it with the remainder
func SplitUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, protocolErrorf("payload of %d bytes is too short for an 8 byte prefix", len(b))
	}
	rest := b[8:]
	if len(rest) == 0 {
		rest = nil
	}
	return binary.BigEndian.Uint64(b[:8]), rest, nil
}
