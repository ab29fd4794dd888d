// Package server implements the command layer of phoenix: it turns request
// frames into operations on the database registry and their results into
// response frames.
//
// Key Components:
//
//   - Session: The per connection state. It holds the current database, which
//     starts out as the default database and is switched by CREATE.
//
//   - Processor: Executes one decoded command against the registry or the
//     session's current database. Every command yields exactly one response;
//     errors of the lower layers are mapped to status codes with
//     common.StatusOf and a panic in a handler becomes INTERNAL_ERROR.
//
//   - Server: Wires a transport, a registry of ember tables and the processor
//     together and runs the expiry sweeper, the snapshotter and the optional
//     /metrics endpoint.
//
// Usage Example:
//
//	config := common.DefaultServerConfig()
//	config.Transport.Endpoint = "0.0.0.0:6969"
//	config.DataDir = "/var/lib/phoenix"
//
//	s := server.NewServer(config, tcp.NewTCPServerTransport())
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//
//	if err := s.Serve(ctx); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Command semantics:
//
//   - INSERT, INSERT_MANY, LOOKUP, LOOKUP_ALL, DELETE and DELETE_ALL run against
//     the session's current database and fail with DATABASE_NOT_FOUND once it
//     was destroyed.
//   - INSERT_MANY applies its pairs in order and stops at the first failure;
//     pairs applied before it stay committed.
//   - CREATE registers a database and selects it. With the open flag an
//     existing database is selected instead of failing with ALREADY_EXISTS.
//   - DESTROY waits for in-flight operations on the database to finish.
//   - EXIT is acknowledged with RESP_OK, then the connection is closed.
//
// Thread Safety:
//
//	The Processor and the Server are safe for concurrent use. A Session is
//	only ever used by the worker serving its connection.
package server
