// Package unix serves the protocol over Unix domain sockets, for clients
// running on the same machine.
//
// The package only provides the serverConnector: it removes a stale socket
// file before listening. Everything else (admission, worker pool, request
// loop) comes from the base package.
package unix
