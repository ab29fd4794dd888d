package server

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/registry"
	"github.com/phoenixkv/phoenix/lib/wire"
	"github.com/phoenixkv/phoenix/rpc/common"
	"github.com/phoenixkv/phoenix/rpc/transport"
)

// handlerFunc executes one command kind for a session
type handlerFunc func(p *Processor, s *Session, cmd common.Command) common.Response

// handlers is the dispatch table of the processor
var handlers = map[common.CommandKind]handlerFunc{
	common.CmdInsert:     (*Processor).insert,
	common.CmdInsertMany: (*Processor).insertMany,
	common.CmdLookup:     (*Processor).lookup,
	common.CmdLookupAll:  (*Processor).lookupAll,
	common.CmdDelete:     (*Processor).delete,
	common.CmdDeleteAll:  (*Processor).deleteAll,
	common.CmdCreate:     (*Processor).create,
	common.CmdDestroy:    (*Processor).destroy,
	common.CmdExit:       (*Processor).exit,
	common.CmdHelp:       (*Processor).help,
}

// Processor executes commands against the registry. It holds no per
// connection state, everything connection specific lives in the Session.
//
// Thread-safety: A Processor is shared by all connections and can be used concurrently.
type Processor struct {
	registry *registry.Registry
	helpText []byte
}

// NewProcessor creates a processor for the databases of reg
func NewProcessor(reg *registry.Registry) *Processor {
	return &Processor{
		registry: reg,
		helpText: []byte(buildHelpText()),
	}
}

// NewSession creates the session of a new connection (implements transport.ISessionHandler)
func (p *Processor) NewSession(connID string) transport.ISession {
	return p.newSession(connID)
}

// newSession creates a session bound to the default database
func (p *Processor) newSession(connID string) *Session {
	return &Session{
		id:        connID,
		current:   p.registry.Default(),
		processor: p,
	}
}

// Process executes cmd for the session and returns exactly one response.
// A panic inside a handler is recovered into an INTERNAL_ERROR response.
func (p *Processor) Process(s *Session, cmd common.Command) (resp common.Response) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("[%s] panic while processing %s: %v\n%s", s.id, cmd.Kind, r, debug.Stack())
			resp = common.NewErrorResponse(common.StatusInternalError, fmt.Sprintf("internal error: %v", r))
		}
		observe(cmd.Kind, resp, start)
	}()

	h, ok := handlers[cmd.Kind]
	if !ok {
		return common.NewErrorResponse(common.StatusProtocolError, fmt.Sprintf("unsupported command %s", cmd.Kind))
	}
	return h(p, s, cmd)
}

// --------------------------------------------------------------------------
// Table commands (run against the session's current database)
// --------------------------------------------------------------------------

func (p *Processor) insert(s *Session, cmd common.Command) common.Response {
	var version uint64
	err := s.current.With(func(table db.KVDB) (err error) {
		if !cmd.ExpireAt.IsZero() {
			version, err = table.InsertAt(cmd.Key, cmd.Value, cmd.ExpireAt)
		} else {
			version, err = table.Insert(cmd.Key, cmd.Value, cmd.TTL)
		}
		return err
	})
	if err != nil {
		return common.NewErrorResponseFrom(err)
	}
	return common.NewUint64Response(version)
}

// insertMany applies the pairs in order. It is not atomic: pairs applied
// before a failure stay committed.
func (p *Processor) insertMany(s *Session, cmd common.Command) common.Response {
	applied := 0
	err := s.current.With(func(table db.KVDB) error {
		for _, pair := range cmd.Pairs {
			if _, err := table.Insert(pair.Key, pair.Value, cmd.TTL); err != nil {
				return fmt.Errorf("pair %d (%q): %w", applied, pair.Key, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return common.NewErrorResponse(common.StatusOf(err), fmt.Sprintf("%v (%d of %d pairs applied)", err, applied, len(cmd.Pairs)))
	}
	return common.NewUint64Response(uint64(applied))
}

func (p *Processor) lookup(s *Session, cmd common.Command) common.Response {
	var (
		value []byte
		found bool
	)
	err := s.current.With(func(table db.KVDB) error {
		value, found = table.Lookup(cmd.Key)
		return nil
	})
	if err != nil {
		return common.NewErrorResponseFrom(err)
	}
	if !found {
		return common.NewErrorResponseFrom(fmt.Errorf("%w: %q", db.ErrKeyNotFound, cmd.Key))
	}
	return common.NewDataResponse(value)
}

func (p *Processor) lookupAll(s *Session, _ common.Command) common.Response {
	var payload []byte
	err := s.current.With(func(table db.KVDB) (err error) {
		payload, err = wire.EncodePairs(common.PairsToWire(table.LookupAll()))
		return err
	})
	if err != nil {
		return common.NewErrorResponseFrom(err)
	}
	return common.NewDataResponse(payload)
}

func (p *Processor) delete(s *Session, cmd common.Command) common.Response {
	var removed bool
	err := s.current.With(func(table db.KVDB) error {
		removed = table.Delete(cmd.Key)
		return nil
	})
	if err != nil {
		return common.NewErrorResponseFrom(err)
	}
	if !removed {
		return common.NewErrorResponseFrom(fmt.Errorf("%w: %q", db.ErrKeyNotFound, cmd.Key))
	}
	return common.NewOKResponse()
}

func (p *Processor) deleteAll(s *Session, _ common.Command) common.Response {
	var count int
	err := s.current.With(func(table db.KVDB) error {
		count = table.DeleteAll()
		return nil
	})
	if err != nil {
		return common.NewErrorResponseFrom(err)
	}
	return common.NewUint64Response(uint64(count))
}

// --------------------------------------------------------------------------
// Registry commands
// --------------------------------------------------------------------------

// create registers a database and makes it the session's current database
func (p *Processor) create(s *Session, cmd common.Command) common.Response {
	var (
		d   *registry.Database
		err error
	)
	if cmd.Open {
		d, err = p.registry.Open(cmd.Name)
	} else {
		d, err = p.registry.Create(cmd.Name)
	}
	if err != nil {
		return common.NewErrorResponseFrom(err)
	}

	s.Select(d)
	return common.NewOKResponse()
}

func (p *Processor) destroy(s *Session, cmd common.Command) common.Response {
	if err := p.registry.Destroy(cmd.Name); err != nil {
		return common.NewErrorResponseFrom(err)
	}
	return common.NewOKResponse()
}

// --------------------------------------------------------------------------
// Connection commands
// --------------------------------------------------------------------------

// exit only acknowledges, the session tells the transport to close afterwards
func (p *Processor) exit(_ *Session, _ common.Command) common.Response {
	return common.NewOKResponse()
}

func (p *Processor) help(_ *Session, _ common.Command) common.Response {
	return common.NewDataResponse(p.helpText)
}

var commandHelp = map[common.CommandKind]string{
	common.CmdInsert:     "INSERT <key> <value> [ttl]   create or overwrite a key, returns its version",
	common.CmdInsertMany: "INSERT_MANY <pairs> [ttl]    insert a list of pairs in order (not atomic), returns the count",
	common.CmdLookup:     "LOOKUP <key>                 read the value of a key",
	common.CmdLookupAll:  "LOOKUP_ALL                   list all pairs in insertion order",
	common.CmdDelete:     "DELETE <key>                 remove a key",
	common.CmdDeleteAll:  "DELETE_ALL                   remove all keys, returns the count",
	common.CmdCreate:     "CREATE <name> [open]         create a database and switch to it",
	common.CmdDestroy:    "DESTROY <name>               destroy a database and its snapshot",
	common.CmdExit:       "EXIT                         close the connection",
	common.CmdHelp:       "HELP                         show this text",
}

func buildHelpText() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("phoenix v%s\n\nCommands:\n", common.Version))
	for _, kind := range common.AllCommandKinds() {
		sb.WriteString("  ")
		sb.WriteString(commandHelp[kind])
		sb.WriteString("\n")
	}
	return sb.String()
}
