// Package util provides building blocks for storage engines that implement
// the db.KVDB interface.
//
// The package contains:
//   - mapheap: a generic min-heap with key based access, used to schedule entry expiry
//   - functions: seeded murmur3 hashing and shard selection
//   - statistics: summary statistics and a SizeHistogram for size estimates in GetInfo
package util
