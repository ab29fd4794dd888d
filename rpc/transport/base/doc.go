// Package base implements the network independent part of the server
// transports. Protocol specific code (creating the listener, socket options)
// is plugged in through IServerConnector.
//
// Connection lifecycle:
//
//	Accepted -> Admitted -> Serving -> Closing -> Closed
//
// Admission:
//
//   - A connection is admitted if fewer than MaxWorkers+QueueDepth connections
//     are admitted already, otherwise it gets a RESP_ERR BUSY frame and is closed.
//     The BUSY frame is written outside the accept loop.
//   - An admitted connection borrows a worker from a go-commons-pool object pool
//     with MaxTotal = MaxWorkers. If no worker becomes free within the
//     admission timeout the connection is rejected with BUSY as well.
//   - An optional token bucket (golang.org/x/time/rate) limits the accept rate.
//
// Serving:
//
//   - A worker owns a buffered reader and writer that are reset onto the
//     connection it serves, so buffers are reused across connections.
//   - Requests of one connection are handled strictly in arrival order; each
//     response is flushed before the next frame is read. A partially received
//     frame simply blocks the read.
//   - A protocol error is answered with a best effort RESP_ERR PROTOCOL_ERROR
//     frame and the connection is closed, since the stream is no longer aligned.
//   - Each response write is bounded by WriteTimeout, a client that stops
//     reading loses its connection and the worker goes back to the pool.
//   - Every connection gets a ULID that prefixes its log lines (common.ConnLogger).
//
// Thread Safety:
//
//	All public methods are thread-safe. Close stops the accept loop, closes
//	every active connection and waits until all workers are back.
package base
