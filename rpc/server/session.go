package server

import (
	"github.com/phoenixkv/phoenix/lib/registry"
	"github.com/phoenixkv/phoenix/lib/wire"
	"github.com/phoenixkv/phoenix/rpc/common"
)

// Session is the protocol state of one connection: its id and the database
// its table commands run against.
//
// Thread-safety: A session belongs to the worker serving its connection and is not safe for concurrent use.
type Session struct {
	id        string
	current   *registry.Database
	processor ICommandProcessor
}

// ID returns the connection id of the session
func (s *Session) ID() string {
	return s.id
}

// Current returns the database table commands run against. If it was
// destroyed, commands fail with DATABASE_NOT_FOUND until another one is selected.
func (s *Session) Current() *registry.Database {
	return s.current
}

// Select makes d the current database of the session
func (s *Session) Select(d *registry.Database) {
	Logger.Debugf("[%s] selected database %q", s.id, d.Name())
	s.current = d
}

// Handle decodes one request, runs it and encodes the response (implements transport.ISession).
// A frame that is not a valid command is answered with PROTOCOL_ERROR and ends the connection,
// as does EXIT after its acknowledgement.
func (s *Session) Handle(req wire.Frame) (wire.Frame, bool) {
	cmd, err := common.ParseCommand(req)
	if err != nil {
		Logger.Warningf("[%s] invalid request: %v", s.id, err)
		return common.NewErrorResponseFrom(err).Frame(), true
	}

	resp := s.processor.Process(s, cmd)
	return resp.Frame(), cmd.Kind == common.CmdExit
}

// Close releases the session
func (s *Session) Close() {
	s.current = nil
}
