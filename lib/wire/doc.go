// Package wire implements the binary frame format spoken between phoenix
// clients and the server. It knows nothing about storage; it only turns byte
// streams into Frames and Frames back into bytes.
//
// Frame layout (all integers big endian):
//
//	type:1  flags:1  key_len:2  value_len:4  key:key_len  value:value_len
//
// Request types are INSERT (1) through HELP (10), response types are
// RESP_OK (128), RESP_ERR (129) and RESP_DATA (130). Every type has a fixed
// shape: whether it may carry a key, whether it may carry a value and which
// flag bits it accepts. A frame that violates its shape, declares a payload
// larger than the configured maximum frame size or uses an unknown type is a
// ProtocolError. Since byte alignment with the peer is lost at that point,
// callers must close the stream after a ProtocolError.
//
// Flag extensions:
//
//   - FlagTTL (INSERT, INSERT_MANY): the value starts with an 8 byte TTL in
//     milliseconds, followed by the actual value (or pair list).
//   - FlagExpiresAt (INSERT): the value starts with an 8 byte absolute expiry
//     in unix milliseconds. Used by snapshot files.
//   - FlagOpen (CREATE): open the database if it exists instead of failing.
//
// Multiple key/value pairs (INSERT_MANY requests, LOOKUP_ALL responses) are
// packed into a value as repeated records of
//
//	key_len:2  value_len:4  key  value
//
// Reading a frame blocks until the whole frame is available. A stream that ends
// before the first header byte yields io.EOF, a stream that ends inside a frame
// yields io.ErrUnexpectedEOF.
package wire
