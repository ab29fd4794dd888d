package server

import (
	"github.com/phoenixkv/phoenix/rpc/common"
	"github.com/phoenixkv/phoenix/rpc/transport"
)

// ICommandProcessor executes decoded commands for a session.
// It must return exactly one response per command and never panic.
type ICommandProcessor interface {
	Process(s *Session, cmd common.Command) common.Response
}

var (
	_ ICommandProcessor         = (*Processor)(nil)
	_ transport.ISessionHandler = (*Processor)(nil)
	_ transport.ISession        = (*Session)(nil)
)
