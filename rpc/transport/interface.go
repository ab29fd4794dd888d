package transport

import (
	"net"

	"github.com/phoenixkv/phoenix/lib/wire"
	"github.com/phoenixkv/phoenix/rpc/common"
)

// --------------------------------------------------------------------------
// Session Handling
// --------------------------------------------------------------------------

// ISession is the protocol state of one connection.
// A session is only ever used by the worker serving its connection.
type ISession interface {
	// Handle processes one request frame and returns exactly one response frame.
	// If closeAfter is true the connection is closed once the response is written.
	Handle(req wire.Frame) (resp wire.Frame, closeAfter bool)
	// Close releases the session, it is called when the connection is gone
	Close()
}

// ISessionHandler creates the session for every new connection
type ISessionHandler interface {
	NewSession(connID string) ISession
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// IServerTransport is the interface for the server side transport layer
type IServerTransport interface {
	// RegisterHandler registers the session handler; it must be called before Serve
	RegisterHandler(handler ISessionHandler)
	// Listen binds the listener described by the config
	Listen(config common.ServerConfig) error
	// Addr returns the bound address, nil before Listen
	Addr() net.Addr
	// Serve accepts connections until Close is called
	Serve() error
	// Close stops accepting, closes all connections and waits for their workers
	Close() error
}
