// Package transport defines the contract between the network layer and the
// protocol state of a connection.
//
// Key Components:
//
//   - IServerTransport: Binds a listener, accepts connections and serves each
//     one until it is closed. Implementations live in the tcp and unix
//     packages, both built on base.
//
//   - ISessionHandler / ISession: The server side of a connection. The transport
//     reads one frame at a time, passes it to ISession.Handle and writes the
//     returned response before the next frame is read.
package transport
