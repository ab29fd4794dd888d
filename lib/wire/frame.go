package wire

import (
	"bytes"
	"fmt"
	"math"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// HeaderSize is the size of the fixed frame header in bytes
	HeaderSize = 8

	// MaxKeyLen is the largest key that fits into the key_len field
	MaxKeyLen = math.MaxUint16

	// DefaultMaxFrameSize limits key_len + value_len if no other limit is configured
	DefaultMaxFrameSize = 16 * 1024 * 1024 // 16 MB
)

// --------------------------------------------------------------------------
// Frame Types
// --------------------------------------------------------------------------

// Type is the type tag of a frame
type Type uint8

const (
	TypeInsert     Type = 1
	TypeInsertMany Type = 2
	TypeLookup     Type = 3
	TypeLookupAll  Type = 4
	TypeDelete     Type = 5
	TypeDeleteAll  Type = 6
	TypeCreate     Type = 7
	TypeDestroy    Type = 8
	TypeExit       Type = 9
	TypeHelp       Type = 10

	TypeRespOK   Type = 128
	TypeRespErr  Type = 129
	TypeRespData Type = 130
)

// String returns the wire name of the type
func (t Type) String() string {
	switch t {
	case TypeInsert:
		return "INSERT"
	case TypeInsertMany:
		return "INSERT_MANY"
	case TypeLookup:
		return "LOOKUP"
	case TypeLookupAll:
		return "LOOKUP_ALL"
	case TypeDelete:
		return "DELETE"
	case TypeDeleteAll:
		return "DELETE_ALL"
	case TypeCreate:
		return "CREATE"
	case TypeDestroy:
		return "DESTROY"
	case TypeExit:
		return "EXIT"
	case TypeHelp:
		return "HELP"
	case TypeRespOK:
		return "RESP_OK"
	case TypeRespErr:
		return "RESP_ERR"
	case TypeRespData:
		return "RESP_DATA"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsResponse reports whether the type is one of the response types
func (t Type) IsResponse() bool {
	return t >= TypeRespOK
}

// Flags holds the per-frame extension bits
type Flags uint8

const (
	FlagTTL       Flags = 1 << iota // value is prefixed with a relative ttl in ms
	FlagExpiresAt                   // value is prefixed with an absolute expiry in unix ms
	FlagOpen                        // CREATE opens an existing database
)

// Has reports whether all bits of o are set
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// shape describes which parts of a frame a type may use
type shape struct {
	key   bool  // key_len may be > 0
	value bool  // value_len may be > 0
	flags Flags // allowed flag bits
}

var shapes = map[Type]shape{
	TypeInsert:     {key: true, value: true, flags: FlagTTL | FlagExpiresAt},
	TypeInsertMany: {value: true, flags: FlagTTL},
	TypeLookup:     {key: true},
	TypeLookupAll:  {},
	TypeDelete:     {key: true},
	TypeDeleteAll:  {},
	TypeCreate:     {key: true, flags: FlagOpen},
	TypeDestroy:    {key: true},
	TypeExit:       {},
	TypeHelp:       {},
	TypeRespOK:     {value: true},
	TypeRespErr:    {value: true},
	TypeRespData:   {value: true},
}

// --------------------------------------------------------------------------
// Frame
// --------------------------------------------------------------------------

// Frame is one self-contained message on the wire.
// Empty keys and values are represented as nil after decoding.
type Frame struct {
	Type  Type
	Flags Flags
	Key   []byte
	Value []byte
}

// Size returns the number of bytes the encoded frame occupies
func (f Frame) Size() int {
	return HeaderSize + len(f.Key) + len(f.Value)
}

// Equal compares two frames field by field (nil and empty payloads are equal)
func (f Frame) Equal(o Frame) bool {
	return f.Type == o.Type &&
		f.Flags == o.Flags &&
		bytes.Equal(f.Key, o.Key) &&
		bytes.Equal(f.Value, o.Value)
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{Type: %s, Flags: %#02x, Key: %d bytes, Value: %d bytes}", f.Type, uint8(f.Flags), len(f.Key), len(f.Value))
}

// validateHeader checks everything that can be checked before the payload is read.
// maxFrameSize <= 0 disables the size check.
func validateHeader(t Type, flags Flags, keyLen int, valueLen int, maxFrameSize int) error {
	s, ok := shapes[t]
	if !ok {
		return protocolErrorf("unknown frame type %d", uint8(t))
	}

	if maxFrameSize > 0 && keyLen+valueLen > maxFrameSize {
		return protocolErrorf("%s frame of %d bytes exceeds maximum frame size of %d bytes", t, keyLen+valueLen, maxFrameSize)
	}

	if keyLen > MaxKeyLen {
		return protocolErrorf("%s key of %d bytes exceeds maximum key length", t, keyLen)
	}

	if !s.key && keyLen > 0 {
		return protocolErrorf("%s frame must not carry a key", t)
	}

	if !s.value && valueLen > 0 {
		return protocolErrorf("%s frame must not carry a value", t)
	}

	if flags&^s.flags != 0 {
		return protocolErrorf("flags %#02x not allowed on %s frame", uint8(flags), t)
	}

	if flags.Has(FlagTTL | FlagExpiresAt) {
		return protocolErrorf("%s frame cannot combine a ttl with an absolute expiry", t)
	}

	if (flags.Has(FlagTTL) || flags.Has(FlagExpiresAt)) && valueLen < 8 {
		return protocolErrorf("%s frame is too short for its expiry prefix", t)
	}

	return nil
}

// Validate checks the frame against the shape of its type
func (f Frame) Validate(maxFrameSize int) error {
	return validateHeader(f.Type, f.Flags, len(f.Key), len(f.Value), maxFrameSize)
}
