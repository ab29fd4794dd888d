package testing

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phoenixkv/phoenix/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementation
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Insert", func(b *testing.B) {
			benchmarkInsert(b, factory(time.Now))
		})

		b.Run("InsertExisting", func(b *testing.B) {
			benchmarkInsertExisting(b, factory(time.Now))
		})

		b.Run("InsertWithTTL", func(b *testing.B) {
			benchmarkInsertWithTTL(b, factory(time.Now))
		})

		b.Run("Lookup", func(b *testing.B) {
			benchmarkLookup(b, factory(time.Now))
		})

		b.Run("Lookup(miss)", func(b *testing.B) {
			benchmarkLookupMiss(b, factory(time.Now))
		})

		b.Run("Delete", func(b *testing.B) {
			benchmarkDelete(b, factory(time.Now))
		})

		b.Run("LookupAll", func(b *testing.B) {
			benchmarkLookupAll(b, factory(time.Now))
		})

		b.Run("SaveLoad", func(b *testing.B) {
			benchmarkSaveLoad(b, factory)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory(time.Now))
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func fill(database db.KVDB, n int) {
	for i := 0; i < n; i++ {
		_, _ = database.Insert(fmt.Sprintf("test-key-%d", i), []byte(fmt.Sprintf("test-value-%d", i)), 0)
	}
}

func benchmarkInsert(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	var worker atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		id := worker.Add(1)
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d-%d", id, counter)
			_, _ = database.Insert(key, []byte(key), 0)
			counter++
		}
	})
}

// Overwrites keep the entry's position, this exercises the in-place path
func benchmarkInsertExisting(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	numKeys := 10000
	fill(database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%numKeys)
			_, _ = database.Insert(key, []byte(key), 0)
			counter++
		}
	})
}

func benchmarkInsertWithTTL(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	var worker atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		id := worker.Add(1)
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d-%d", id, counter)
			_, _ = database.Insert(key, []byte(key), time.Duration(counter%1000+1)*time.Second)
			counter++
		}
	})
}

func benchmarkLookup(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	numKeys := 10000
	fill(database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Lookup(fmt.Sprintf("test-key-%d", counter%numKeys))
			counter++
		}
	})
}

func benchmarkLookupMiss(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	fill(database, 1000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Lookup(fmt.Sprintf("missing-key-%d", counter))
			counter++
		}
	})
}

func benchmarkDelete(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	numKeys := 100000
	if b.N < numKeys {
		numKeys = b.N
	}
	fill(database, numKeys)

	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1) - 1
			database.Delete(fmt.Sprintf("test-key-%d", i%int64(numKeys)))
		}
	})
}

func benchmarkLookupAll(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	fill(database, 10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		database.LookupAll()
	}
}

func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory(time.Now)
	b.Cleanup(func() {
		database.Close()
	})

	fill(database, 10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		if err := database.Save(&buf); err != nil {
			b.Fatal(err)
		}
		target := factory(time.Now)
		if err := target.Load(&buf); err != nil {
			b.Fatal(err)
		}
		target.Close()
	}
}

// 70% lookups, 20% inserts (half of them with ttl), 10% deletes
func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	numKeys := 10000
	fill(database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", rng.Intn(numKeys))
			switch op := rng.Intn(10); {
			case op < 7:
				database.Lookup(key)
			case op < 8:
				_, _ = database.Insert(key, []byte(key), 0)
			case op < 9:
				_, _ = database.Insert(key, []byte(key), time.Millisecond)
			default:
				database.Delete(key)
			}
		}
	})
}
