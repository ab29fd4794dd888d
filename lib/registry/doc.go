// Package registry owns the named databases of a server.
//
// Every database wraps one db.KVDB table. Connections resolve names through
// the registry and then pin the database for each operation with Acquire and
// Release. Destroy takes the write side of that pin, so it waits until all
// in-flight operations on the database are done before the table is released.
//
// With a data directory configured the registry also persists databases:
// Restore loads every <name>.snap file at startup, SaveAll writes them through
// a temporary file and a rename. A snapshot that fails to load leaves its
// database registered but unavailable, the other databases are unaffected.
//
// RunSweeper and RunSnapshotter are the background tasks of the server; both
// stop when their context is cancelled.
package registry
