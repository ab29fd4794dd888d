// Package testing provides standardised tests and benchmarks for
// table implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - testing: a conformance suite for the KVDB contract (expiry, versions, insertion order, snapshots)
//   - benchmark: throughput tests for the common table operations
//   - FakeClock: a manually advanced db.Clock for deterministic expiry tests
//
// Example usage:
//
//	factory := func(clock db.Clock) db.KVDB {
//		return NewMyTable(clock)
//	}
//
//	dbtesting.RunKVDBTests(t, "MyTable", factory)
//	dbtesting.RunKVDBBenchmarks(b, "MyTable", factory)
package testing
