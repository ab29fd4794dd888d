// Package tcp serves the protocol over TCP sockets.
//
// The serverConnector creates the listener and applies the socket options of
// common.TransportConfig to every accepted connection: TCP_NODELAY, keep-alive,
// linger and socket buffer sizes. Admission, the worker pool and the request
// loop come from the base package.
package tcp
