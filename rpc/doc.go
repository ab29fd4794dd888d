// Package rpc contains the network side of phoenix: everything between a raw
// byte stream and the database registry.
//
// The package is organized into several subpackages:
//
//   - common: Commands, responses and status codes, the server configuration
//     and the logger setup shared by the other packages.
//
//   - transport: The accept loop, admission control and the per connection
//     request loop, with TCP and Unix socket listeners.
//
//   - server: The command processor, the per connection session state and the
//     Server type that ties transport, registry and background tasks together.
//
// The frame format itself lives in lib/wire.
package rpc
