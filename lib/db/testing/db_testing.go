package testing

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/wire"
)

// DBFactory creates a new instance of a KVDB implementation that reads the time from clock
type DBFactory func(clock db.Clock) db.KVDB

// RunKVDBTests runs the conformance suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Insert&Lookup", func(t *testing.T) {
			testInsertLookup(t, factory(time.Now))
		})

		t.Run("Versions", func(t *testing.T) {
			testVersions(t, factory(time.Now))
		})

		t.Run("KeyExpiry", func(t *testing.T) {
			testKeyExpiry(t, factory)
		})

		t.Run("SweepExpired", func(t *testing.T) {
			testSweepExpired(t, factory)
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory)
		})

		t.Run("DeleteAll", func(t *testing.T) {
			testDeleteAll(t, factory(time.Now))
		})

		t.Run("LookupAllOrder", func(t *testing.T) {
			testLookupAllOrder(t, factory)
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("CorruptSnapshot", func(t *testing.T) {
			testCorruptSnapshot(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory(time.Now))
		})

		t.Run("ConcurrentSameKey", func(t *testing.T) {
			testConcurrentSameKey(t, factory(time.Now))
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory(time.Now))
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory(time.Now))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// FakeClock is a manually advanced clock for deterministic expiry tests
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock standing at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time, it can be passed as a db.Clock
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustInsert(t testing.TB, database db.KVDB, key string, value []byte, ttl time.Duration) uint64 {
	t.Helper()
	v, err := database.Insert(key, value, ttl)
	if err != nil {
		t.Fatalf("Insert(%q) failed: %v", key, err)
	}
	return v
}

func keysOf(pairs []db.Pair) []string {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testInsertLookup(t *testing.T, database db.KVDB) {
	defer database.Close()

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	mustInsert(t, database, testKey, testValue1, 0)

	result, exists := database.Lookup(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Insert", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	mustInsert(t, database, testKey, testValue2, 0)

	result, exists = database.Lookup(testKey)
	if !exists || !bytes.Equal(result, testValue2) {
		t.Errorf("Expected overwritten value %s, got %s (exists=%v)", testValue2, result, exists)
	}

	if _, exists = database.Lookup("nonexistent-key"); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	// Lookup must return a copy
	retrieved, _ := database.Lookup(testKey)
	retrieved[0] = 'X'
	original, _ := database.Lookup(testKey)
	if bytes.Equal(retrieved, original) {
		t.Errorf("Lookup should return a copy, not a reference to the stored value")
	}

	// Insert must copy the input
	input := []byte("mutable")
	mustInsert(t, database, "copy-key", input, 0)
	input[0] = 'X'
	stored, _ := database.Lookup("copy-key")
	if string(stored) != "mutable" {
		t.Errorf("Insert should copy the value, got %s", stored)
	}

	if n := database.Len(); n != 2 {
		t.Errorf("Expected 2 entries, got %d", n)
	}
}

func testVersions(t *testing.T, database db.KVDB) {
	defer database.Close()

	var last uint64
	for i := 0; i < 100; i++ {
		v := mustInsert(t, database, "versioned", []byte(fmt.Sprintf("v%d", i)), 0)
		if v <= last {
			t.Fatalf("Version did not increase: %d after %d", v, last)
		}
		last = v
	}

	// other keys share the write index
	other := mustInsert(t, database, "other", []byte("x"), 0)
	if other <= last {
		t.Errorf("Expected version of another key to be > %d, got %d", last, other)
	}
	if database.WriteIdx() != other {
		t.Errorf("Expected WriteIdx %d, got %d", other, database.WriteIdx())
	}

	// versions keep increasing after the key is gone
	database.Delete("versioned")
	database.DeleteAll()
	v := mustInsert(t, database, "versioned", []byte("again"), 0)
	if v <= other {
		t.Errorf("Expected version > %d after DeleteAll, got %d", other, v)
	}
}

func testKeyExpiry(t *testing.T, factory DBFactory) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	database := factory(clock.Now)
	defer database.Close()

	mustInsert(t, database, "k", []byte("v"), time.Second)

	clock.Advance(999 * time.Millisecond)
	if _, ok := database.Lookup("k"); !ok {
		t.Errorf("Key should be visible before its ttl passed")
	}

	clock.Advance(time.Millisecond)
	if _, ok := database.Lookup("k"); ok {
		t.Errorf("Key should be absent once its ttl passed, even without a sweep")
	}
	if n := database.Len(); n != 0 {
		t.Errorf("Expired key must not be counted, Len is %d", n)
	}
	if pairs := database.LookupAll(); len(pairs) != 0 {
		t.Errorf("Expired key must not be listed, got %v", keysOf(pairs))
	}

	t.Run("OverwriteRecalculatesExpiry", func(t *testing.T) {
		mustInsert(t, database, "renew", []byte("1"), time.Second)
		clock.Advance(800 * time.Millisecond)
		mustInsert(t, database, "renew", []byte("2"), time.Second)
		clock.Advance(800 * time.Millisecond)

		v, ok := database.Lookup("renew")
		if !ok || string(v) != "2" {
			t.Errorf("Expected renewed key to be visible with value 2, got %s (ok=%v)", v, ok)
		}
	})

	t.Run("OverwriteWithoutTTLClearsExpiry", func(t *testing.T) {
		// own table, the keys of the other subtests have expired by now
		fresh := factory(clock.Now)
		defer fresh.Close()

		mustInsert(t, fresh, "persist", []byte("1"), time.Second)
		mustInsert(t, fresh, "persist", []byte("2"), 0)
		clock.Advance(time.Hour)
		if _, ok := fresh.Lookup("persist"); !ok {
			t.Errorf("Key without ttl must not expire")
		}
		if n := fresh.SweepExpired(); n != 0 {
			t.Errorf("Sweep must not remove a key without ttl, removed %d", n)
		}
		if _, ok := fresh.Lookup("persist"); !ok {
			t.Errorf("Key without ttl must survive the sweep")
		}
	})

	t.Run("HugeTTLDoesNotWrap", func(t *testing.T) {
		huge := factory(clock.Now)
		defer huge.Close()

		ttls := map[string]time.Duration{
			"250y": 250 * 365 * 24 * time.Hour,
			"max":  time.Duration(math.MaxInt64),
		}
		for key, ttl := range ttls {
			mustInsert(t, huge, key, []byte("v"), ttl)
		}
		if _, err := huge.InsertAt("year-9999", []byte("v"), time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)); err != nil {
			t.Fatalf("InsertAt failed: %v", err)
		}

		clock.Advance(24 * time.Hour)
		for _, key := range []string{"250y", "max", "year-9999"} {
			if _, ok := huge.Lookup(key); !ok {
				t.Errorf("Key %q with a far expiry must be visible", key)
			}
		}
		if n := huge.SweepExpired(); n != 0 {
			t.Errorf("Sweep must not remove keys with a far expiry, removed %d", n)
		}

		// survives a snapshot round trip
		var buf bytes.Buffer
		if err := huge.Save(&buf); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		restored := factory(clock.Now)
		defer restored.Close()
		if err := restored.Load(&buf); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if n := restored.Len(); n != 3 {
			t.Errorf("Expected 3 restored keys, got %d", n)
		}
	})

	t.Run("EpochExpiryIsInThePast", func(t *testing.T) {
		if _, err := database.InsertAt("epoch", []byte("v"), time.Unix(0, 0)); err != nil {
			t.Fatalf("InsertAt failed: %v", err)
		}
		if _, ok := database.Lookup("epoch"); ok {
			t.Errorf("Key expiring at the unix epoch must be absent")
		}
	})

	t.Run("ExpiredKeyCanBeInsertedAgain", func(t *testing.T) {
		mustInsert(t, database, "again", []byte("1"), time.Second)
		clock.Advance(2 * time.Second)
		mustInsert(t, database, "again", []byte("2"), 0)
		if v, ok := database.Lookup("again"); !ok || string(v) != "2" {
			t.Errorf("Expected the new value, got %s (ok=%v)", v, ok)
		}
	})
}

func testSweepExpired(t *testing.T, factory DBFactory) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	database := factory(clock.Now)
	defer database.Close()

	for i := 0; i < 1000; i++ {
		ttl := time.Duration(0)
		if i%2 == 0 {
			ttl = time.Duration(i+1) * time.Millisecond
		}
		mustInsert(t, database, fmt.Sprintf("key-%d", i), []byte("v"), ttl)
	}

	if n := database.SweepExpired(); n != 0 {
		t.Errorf("Nothing is expired yet, sweep removed %d", n)
	}

	// keys 0, 2, ..., 498 have ttl <= 499ms
	clock.Advance(500 * time.Millisecond)
	if n := database.SweepExpired(); n != 250 {
		t.Errorf("Expected 250 swept entries, got %d", n)
	}
	if n := database.SweepExpired(); n != 0 {
		t.Errorf("Second sweep should remove nothing, removed %d", n)
	}
	if n := database.Len(); n != 750 {
		t.Errorf("Expected 750 live entries, got %d", n)
	}

	clock.Advance(time.Hour)
	if n := database.SweepExpired(); n != 250 {
		t.Errorf("Expected the remaining 250 expiring entries to be swept, got %d", n)
	}
	if n := database.Len(); n != 500 {
		t.Errorf("Expected 500 entries without ttl, got %d", n)
	}
}

func testDelete(t *testing.T, factory DBFactory) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	database := factory(clock.Now)
	defer database.Close()

	mustInsert(t, database, "k", []byte("v"), 0)

	if !database.Delete("k") {
		t.Errorf("Delete of an existing key should return true")
	}
	if _, ok := database.Lookup("k"); ok {
		t.Errorf("Key should be gone after Delete")
	}
	if database.Delete("k") {
		t.Errorf("Second Delete should return false")
	}
	if database.Delete("never-existed") {
		t.Errorf("Delete of a missing key should return false")
	}

	// an expired entry is already logically absent
	mustInsert(t, database, "expiring", []byte("v"), time.Second)
	clock.Advance(time.Second)
	if database.Delete("expiring") {
		t.Errorf("Delete of an expired key should return false")
	}
}

func testDeleteAll(t *testing.T, database db.KVDB) {
	defer database.Close()

	for i := 0; i < 100; i++ {
		mustInsert(t, database, fmt.Sprintf("key-%d", i), []byte("v"), 0)
	}

	if n := database.DeleteAll(); n != 100 {
		t.Errorf("Expected DeleteAll to remove 100 entries, got %d", n)
	}
	if n := database.Len(); n != 0 {
		t.Errorf("Expected an empty table, got %d entries", n)
	}
	if n := database.DeleteAll(); n != 0 {
		t.Errorf("DeleteAll on an empty table should return 0, got %d", n)
	}

	mustInsert(t, database, "after", []byte("v"), 0)
	if _, ok := database.Lookup("after"); !ok {
		t.Errorf("Table should be usable after DeleteAll")
	}
}

func testLookupAllOrder(t *testing.T, factory DBFactory) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	database := factory(clock.Now)
	defer database.Close()

	mustInsert(t, database, "a", []byte("1"), 0)
	mustInsert(t, database, "b", []byte("2"), 0)
	mustInsert(t, database, "c", []byte("3"), 0)

	pairs := database.LookupAll()
	if !equalKeys(keysOf(pairs), []string{"a", "b", "c"}) {
		t.Fatalf("Expected insertion order a,b,c, got %v", keysOf(pairs))
	}
	if string(pairs[1].Value) != "2" {
		t.Errorf("Expected b=2, got %s", pairs[1].Value)
	}

	// overwrite keeps the position
	mustInsert(t, database, "a", []byte("10"), 0)
	if got := keysOf(database.LookupAll()); !equalKeys(got, []string{"a", "b", "c"}) {
		t.Errorf("Overwrite must keep the position, got %v", got)
	}

	// delete and insert again moves the key to the end
	database.Delete("b")
	mustInsert(t, database, "b", []byte("20"), 0)
	if got := keysOf(database.LookupAll()); !equalKeys(got, []string{"a", "c", "b"}) {
		t.Errorf("Re-inserted key must move to the end, got %v", got)
	}

	// expired entries are skipped
	mustInsert(t, database, "d", []byte("4"), time.Second)
	clock.Advance(time.Second)
	if got := keysOf(database.LookupAll()); !equalKeys(got, []string{"a", "c", "b"}) {
		t.Errorf("Expired entries must not be listed, got %v", got)
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	database := factory(clock.Now)
	database2 := factory(clock.Now)
	defer database.Close()
	defer database2.Close()

	numEntries := 1000
	for i := 0; i < numEntries; i++ {
		ttl := time.Duration(0)
		if i%10 == 0 {
			ttl = time.Minute
		}
		mustInsert(t, database, fmt.Sprintf("save-load-key-%d", i), []byte(fmt.Sprintf("save-load-value-%d", i)), ttl)
	}

	// expired entries are not persisted
	mustInsert(t, database, "short-lived", []byte("gone"), time.Millisecond)
	clock.Advance(time.Millisecond)

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Unexpected error during Save: %v", err)
	}

	// the snapshot is a plain sequence of INSERT frames
	snapshot := append([]byte(nil), buf.Bytes()...)
	r := wire.NewReader(bytes.NewReader(snapshot), 0)
	frames := 0
	for {
		f, err := r.ReadFrame()
		if err != nil {
			break
		}
		if f.Type != wire.TypeInsert {
			t.Fatalf("Snapshot contains a %s frame", f.Type)
		}
		frames++
	}
	if frames != numEntries {
		t.Errorf("Expected %d frames in the snapshot, got %d", numEntries, frames)
	}

	if err := database2.Load(&buf); err != nil {
		t.Fatalf("Unexpected error during Load: %v", err)
	}

	if got, want := keysOf(database2.LookupAll()), keysOf(database.LookupAll()); !equalKeys(got, want) {
		t.Errorf("Load must preserve the insertion order")
	}

	for i := 0; i < numEntries; i++ {
		key := fmt.Sprintf("save-load-key-%d", i)
		want := []byte(fmt.Sprintf("save-load-value-%d", i))
		got, exists := database2.Lookup(key)
		if !exists {
			t.Errorf("Key %s not found after Load", key)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Value mismatch for key %s: expected %s, got %s", key, want, got)
		}
	}
	if _, ok := database2.Lookup("short-lived"); ok {
		t.Errorf("Expired entry must not be restored")
	}

	// expiry survives the round trip
	clock.Advance(time.Minute)
	if _, ok := database2.Lookup("save-load-key-0"); ok {
		t.Errorf("Restored entry should still expire")
	}
	if _, ok := database2.Lookup("save-load-key-1"); !ok {
		t.Errorf("Restored entry without ttl should not expire")
	}
}

func testCorruptSnapshot(t *testing.T, factory DBFactory) {
	source := factory(time.Now)
	defer source.Close()
	for i := 0; i < 10; i++ {
		mustInsert(t, source, fmt.Sprintf("key-%d", i), []byte("value"), 0)
	}
	var buf bytes.Buffer
	if err := source.Save(&buf); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	lookupFrame, _ := wire.Encode(wire.Frame{Type: wire.TypeLookup, Key: []byte("k")})

	tests := []struct {
		name     string
		snapshot []byte
	}{
		{"Truncated", good[:len(good)-3]},
		{"TruncatedHeader", append(append([]byte(nil), good...), byte(wire.TypeInsert), 0)},
		{"WrongFrameType", append(append([]byte(nil), good...), lookupFrame...)},
		{"Garbage", []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := factory(time.Now)
			defer database.Close()

			err := database.Load(bytes.NewReader(tt.snapshot))
			if !errors.Is(err, db.ErrCorruptSnapshot) {
				t.Fatalf("Expected ErrCorruptSnapshot, got %v", err)
			}
			if n := database.Len(); n != 0 {
				t.Errorf("A failed Load must leave the table empty, found %d entries", n)
			}
		})
	}

	t.Run("NonEmptyTarget", func(t *testing.T) {
		database := factory(time.Now)
		defer database.Close()
		mustInsert(t, database, "existing", []byte("v"), 0)
		if err := database.Load(bytes.NewReader(good)); err == nil {
			t.Errorf("Load into a non-empty table should fail")
		}
		if _, ok := database.Lookup("existing"); !ok {
			t.Errorf("A rejected Load must not touch existing entries")
		}
	})
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	emptyKeyValue := []byte("value for empty key")
	mustInsert(t, database, "", emptyKeyValue, 0)
	if result, exists := database.Lookup(""); !exists || !bytes.Equal(result, emptyKeyValue) {
		t.Errorf("Empty key mismatch: %s (exists=%v)", result, exists)
	}

	mustInsert(t, database, "nil-value-key", nil, 0)
	if result, exists := database.Lookup("nil-value-key"); !exists || len(result) != 0 {
		t.Errorf("Nil value should be stored as an empty value, got %v (exists=%v)", result, exists)
	}

	largeKey := string(make([]byte, 1000))
	mustInsert(t, database, largeKey, []byte("large key"), 0)
	if _, exists := database.Lookup(largeKey); !exists {
		t.Errorf("Large key not found after Insert")
	}

	largeValue := make([]byte, 8*1024*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	mustInsert(t, database, "large-value-key", largeValue, 0)
	if result, exists := database.Lookup("large-value-key"); !exists || !bytes.Equal(result, largeValue) {
		t.Errorf("Large value mismatch (exists=%v, len=%d)", exists, len(result))
	}
}

func testConcurrentSameKey(t *testing.T, database db.KVDB) {
	defer database.Close()

	const workers = 16
	const rounds = 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			var last uint64
			for i := 0; i < rounds; i++ {
				if i%3 == 2 {
					database.Delete("hot")
					continue
				}
				v, err := database.Insert("hot", []byte(fmt.Sprintf("worker-%02d-round-%04d", w, i)), 0)
				if err != nil {
					t.Errorf("Insert failed: %v", err)
					return
				}
				if v <= last {
					t.Errorf("Version went backwards for one writer: %d after %d", v, last)
					return
				}
				last = v
			}
		}(w)
	}
	wg.Wait()

	// the final state must be one of the written values, never a torn one
	if v, ok := database.Lookup("hot"); ok {
		var w, i int
		if _, err := fmt.Sscanf(string(v), "worker-%02d-round-%04d", &w, &i); err != nil || len(v) != len("worker-00-round-0000") {
			t.Errorf("Torn value %q", v)
		}
	}
	if n := database.Len(); n > 1 {
		t.Errorf("Single key table has %d entries", n)
	}
	if n := len(database.LookupAll()); n > 1 {
		t.Errorf("LookupAll lists the key %d times", n)
	}
}

func testRealisticUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	numWorkers := 8
	opsPerWorker := 2000

	var wg sync.WaitGroup
	wg.Add(numWorkers + 1)

	stop := make(chan struct{})

	// a concurrent reader validates every LookupAll snapshot
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			seen := make(map[string]bool)
			for _, p := range database.LookupAll() {
				if seen[p.Key] {
					t.Errorf("Key %s appears twice in one LookupAll", p.Key)
					return
				}
				seen[p.Key] = true
			}
			database.SweepExpired()
		}
	}()

	var writers sync.WaitGroup
	writers.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(w int) {
			defer wg.Done()
			defer writers.Done()
			for i := 0; i < opsPerWorker; i++ {
				var key string
				if i%5 == 0 {
					key = fmt.Sprintf("hot-key-%d", i%50)
				} else {
					key = fmt.Sprintf("key-%d-%d", w, i)
				}
				switch i % 10 {
				case 7, 8:
					database.Lookup(key)
				case 9:
					database.Delete(key)
				default:
					ttl := time.Duration(0)
					if i%4 == 0 {
						ttl = time.Millisecond
					}
					if _, err := database.Insert(key, []byte(key), ttl); err != nil {
						t.Errorf("Insert failed: %v", err)
						return
					}
				}
			}
		}(w)
	}

	writers.Wait()
	close(stop)
	wg.Wait()

	// every remaining value belongs to its key
	for _, p := range database.LookupAll() {
		if p.Key != string(p.Value) {
			t.Errorf("Key %s holds value %s", p.Key, p.Value)
		}
	}
}

func testClose(t *testing.T, database db.KVDB) {
	mustInsert(t, database, "k", []byte("v"), 0)
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := database.Insert("k2", []byte("v"), 0); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if _, ok := database.Lookup("k"); ok {
		t.Errorf("Entries must be released on Close")
	}
	if err := database.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
}
