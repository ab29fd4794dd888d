package common

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/wire"
	"github.com/samber/lo"
)

// --------------------------------------------------------------------------
// Command Structure
// --------------------------------------------------------------------------

// Command is a decoded request. Which fields are used depends on the kind.
type Command struct {
	// Kind of command
	Kind CommandKind `json:"kind"`

	Key      string        `json:"key,omitempty"`       // Used for: Insert, Lookup, Delete
	Value    []byte        `json:"value,omitempty"`     // Used for: Insert
	TTL      time.Duration `json:"ttl,omitempty"`       // Used for: Insert, InsertMany (0 = no expiry)
	ExpireAt time.Time     `json:"expire_at,omitempty"` // Used for: Insert (absolute expiry, zero = none)
	Pairs    []db.Pair     `json:"pairs,omitempty"`     // Used for: InsertMany
	Name     string        `json:"name,omitempty"`      // Used for: Create, Destroy
	Open     bool          `json:"open,omitempty"`      // Used for: Create (select if it already exists)
}

// --------------------------------------------------------------------------
// Command Factory Functions
// --------------------------------------------------------------------------

// NewInsertCommand creates a new Insert command
func NewInsertCommand(key string, value []byte, ttl time.Duration) Command {
	return Command{Kind: CmdInsert, Key: key, Value: value, TTL: ttl}
}

// NewInsertManyCommand creates a new InsertMany command
func NewInsertManyCommand(pairs []db.Pair, ttl time.Duration) Command {
	return Command{Kind: CmdInsertMany, Pairs: pairs, TTL: ttl}
}

// NewLookupCommand creates a new Lookup command
func NewLookupCommand(key string) Command {
	return Command{Kind: CmdLookup, Key: key}
}

// NewDeleteCommand creates a new Delete command
func NewDeleteCommand(key string) Command {
	return Command{Kind: CmdDelete, Key: key}
}

// NewCreateCommand creates a new Create command
func NewCreateCommand(name string, open bool) Command {
	return Command{Kind: CmdCreate, Name: name, Open: open}
}

// NewDestroyCommand creates a new Destroy command
func NewDestroyCommand(name string) Command {
	return Command{Kind: CmdDestroy, Name: name}
}

// --------------------------------------------------------------------------
// Frame <-> Command
// --------------------------------------------------------------------------

func protocolError(format string, args ...interface{}) error {
	return &wire.ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ttlFromMillis converts a wire ttl. Values beyond the range of time.Duration
// are saturated, so a huge ttl never wraps into the past.
func ttlFromMillis(ms uint64) time.Duration {
	if ms > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// timeFromMillis converts a wire expiry in unix milliseconds, saturated at math.MaxInt64
func timeFromMillis(ms uint64) time.Time {
	if ms > math.MaxInt64 {
		ms = math.MaxInt64
	}
	return time.UnixMilli(int64(ms))
}

// ParseCommand turns a validated request frame into a command.
// Payload errors (a short TTL prefix, a truncated pair list) are protocol errors.
func ParseCommand(f wire.Frame) (Command, error) {
	switch f.Type {
	case wire.TypeInsert:
		cmd := Command{Kind: CmdInsert, Key: string(f.Key), Value: f.Value}
		switch {
		case f.Flags.Has(wire.FlagTTL):
			ms, rest, err := wire.SplitUint64(f.Value)
			if err != nil {
				return Command{}, err
			}
			cmd.TTL, cmd.Value = ttlFromMillis(ms), rest
		case f.Flags.Has(wire.FlagExpiresAt):
			ms, rest, err := wire.SplitUint64(f.Value)
			if err != nil {
				return Command{}, err
			}
			cmd.ExpireAt, cmd.Value = timeFromMillis(ms), rest
		}
		return cmd, nil

	case wire.TypeInsertMany:
		payload := f.Value
		cmd := Command{Kind: CmdInsertMany}
		if f.Flags.Has(wire.FlagTTL) {
			ms, rest, err := wire.SplitUint64(payload)
			if err != nil {
				return Command{}, err
			}
			cmd.TTL, payload = ttlFromMillis(ms), rest
		}
		pairs, err := wire.DecodePairs(payload)
		if err != nil {
			return Command{}, err
		}
		cmd.Pairs = PairsFromWire(pairs)
		return cmd, nil

	case wire.TypeLookup:
		return Command{Kind: CmdLookup, Key: string(f.Key)}, nil
	case wire.TypeLookupAll:
		return Command{Kind: CmdLookupAll}, nil
	case wire.TypeDelete:
		return Command{Kind: CmdDelete, Key: string(f.Key)}, nil
	case wire.TypeDeleteAll:
		return Command{Kind: CmdDeleteAll}, nil
	case wire.TypeCreate:
		return Command{Kind: CmdCreate, Name: string(f.Key), Open: f.Flags.Has(wire.FlagOpen)}, nil
	case wire.TypeDestroy:
		return Command{Kind: CmdDestroy, Name: string(f.Key)}, nil
	case wire.TypeExit:
		return Command{Kind: CmdExit}, nil
	case wire.TypeHelp:
		return Command{Kind: CmdHelp}, nil
	default:
		return Command{}, protocolError("%s frame is not a request", f.Type)
	}
}

// Frame encodes the command as a request frame
func (c Command) Frame() (wire.Frame, error) {
	switch c.Kind {
	case CmdInsert:
		f := wire.Frame{Type: wire.TypeInsert, Key: []byte(c.Key), Value: c.Value}
		switch {
		case c.TTL > 0:
			f.Flags = wire.FlagTTL
			f.Value = wire.PutUint64(uint64(c.TTL.Milliseconds()), c.Value)
		case !c.ExpireAt.IsZero():
			f.Flags = wire.FlagExpiresAt
			f.Value = wire.PutUint64(uint64(max(c.ExpireAt.UnixMilli(), 0)), c.Value)
		}
		return f, nil

	case CmdInsertMany:
		payload, err := wire.EncodePairs(PairsToWire(c.Pairs))
		if err != nil {
			return wire.Frame{}, err
		}
		f := wire.Frame{Type: wire.TypeInsertMany, Value: payload}
		if c.TTL > 0 {
			f.Flags = wire.FlagTTL
			f.Value = wire.PutUint64(uint64(c.TTL.Milliseconds()), payload)
		}
		return f, nil

	case CmdLookup:
		return wire.Frame{Type: wire.TypeLookup, Key: []byte(c.Key)}, nil
	case CmdLookupAll:
		return wire.Frame{Type: wire.TypeLookupAll}, nil
	case CmdDelete:
		return wire.Frame{Type: wire.TypeDelete, Key: []byte(c.Key)}, nil
	case CmdDeleteAll:
		return wire.Frame{Type: wire.TypeDeleteAll}, nil
	case CmdCreate:
		f := wire.Frame{Type: wire.TypeCreate, Key: []byte(c.Name)}
		if c.Open {
			f.Flags = wire.FlagOpen
		}
		return f, nil
	case CmdDestroy:
		return wire.Frame{Type: wire.TypeDestroy, Key: []byte(c.Name)}, nil
	case CmdExit:
		return wire.Frame{Type: wire.TypeExit}, nil
	case CmdHelp:
		return wire.Frame{Type: wire.TypeHelp}, nil
	default:
		return wire.Frame{}, fmt.Errorf("can not encode %s command", c.Kind)
	}
}

// PairsFromWire converts decoded pairs into table pairs
func PairsFromWire(pairs []wire.Pair) []db.Pair {
	return lo.Map(pairs, func(p wire.Pair, _ int) db.Pair {
		return db.Pair{Key: string(p.Key), Value: p.Value}
	})
}

// PairsToWire converts table pairs into pairs for EncodePairs
func PairsToWire(pairs []db.Pair) []wire.Pair {
	return lo.Map(pairs, func(p db.Pair, _ int) wire.Pair {
		return wire.Pair{Key: []byte(p.Key), Value: p.Value}
	})
}

// --------------------------------------------------------------------------
// Command Kind Definition
// --------------------------------------------------------------------------

// CommandKind defines the kind of a command
type CommandKind uint8

const (
	CmdUnknown    CommandKind = iota
	CmdInsert                 // Insert or overwrite one key
	CmdInsertMany             // Insert a list of pairs, non-atomic
	CmdLookup                 // Read one key
	CmdLookupAll              // Read all live pairs in insertion order
	CmdDelete                 // Remove one key
	CmdDeleteAll              // Remove all keys of the current database
	CmdCreate                 // Create (or open) a database and select it
	CmdDestroy                // Destroy a database
	CmdExit                   // Close the connection
	CmdHelp                   // List the commands
)

var commandKindNames = map[CommandKind]string{
	CmdInsert:     "insert",
	CmdInsertMany: "insert_many",
	CmdLookup:     "lookup",
	CmdLookupAll:  "lookup_all",
	CmdDelete:     "delete",
	CmdDeleteAll:  "delete_all",
	CmdCreate:     "create",
	CmdDestroy:    "destroy",
	CmdExit:       "exit",
	CmdHelp:       "help",
}

// String returns the string representation of a CommandKind
func (k CommandKind) String() string {
	if s, ok := commandKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalJSON serializes the kind as its name
func (k CommandKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a kind from its name
func (k *CommandKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for kind, name := range commandKindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown command kind: %s", s)
}

// AllCommandKinds returns every request kind in wire order
func AllCommandKinds() []CommandKind {
	return []CommandKind{CmdInsert, CmdInsertMany, CmdLookup, CmdLookupAll, CmdDelete, CmdDeleteAll, CmdCreate, CmdDestroy, CmdExit, CmdHelp}
}
