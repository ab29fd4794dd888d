package ember

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/db/engines/ember/internal"
	"github.com/phoenixkv/phoenix/lib/db/util"
	"github.com/phoenixkv/phoenix/lib/wire"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	ioBufferSize      = 1024 * 1024 // 1 MB buffer for Save/Load
	samplesPerShard   = 100         // entries sampled per shard by GetInfo
	entryOverhead     = 48          // estimated bytes of bookkeeping per entry
	maxSnapshotRecord = math.MaxInt32
)

// --------------------------------------------------------------------------
// Core Ember database structure
// --------------------------------------------------------------------------

// emberImpl is a sharded in-memory table
type emberImpl struct {
	seed       uint32            // Seed for the shard hash
	shards     []*internal.Shard // Array of shards
	maxEntries int64             // 0 = unlimited
	clock      db.Clock

	writeIdx atomic.Uint64 // last version handed out
	seq      atomic.Uint64 // last insertion sequence handed out
	count    atomic.Int64  // physical entries, including expired but not yet swept
	closed   atomic.Bool
}

// DBOptions configures the emberImpl behavior during initialization
type DBOptions struct {
	NumShards  int      // Number of shards (0 = runtime.NumCPU())
	MaxEntries int      // Maximum number of entries (0 = unlimited)
	Clock      db.Clock // Time source (nil = time.Now)
}

// DefaultOptions returns the default emberImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards: runtime.NumCPU(),
		Clock:     time.Now,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewEmberDB creates a new table with the specified options (optional)
func NewEmberDB(opts *DBOptions) db.KVDB {
	if opts == nil {
		opts = DefaultOptions()
	}

	numShards := opts.NumShards
	if numShards <= 0 {
		numShards = runtime.NumCPU()
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	shards := make([]*internal.Shard, numShards)
	for i := range shards {
		shards[i] = internal.NewShard()
	}

	return &emberImpl{
		seed:       util.GenerateSeed(),
		shards:     shards,
		maxEntries: int64(opts.MaxEntries),
		clock:      clock,
	}
}

// --------------------------------------------------------------------------
// Expiry arithmetic (unix nanoseconds, 0 = no expiry)
// --------------------------------------------------------------------------

var (
	maxUnixNano = time.Unix(0, math.MaxInt64)
	minUnixNano = time.Unix(0, math.MinInt64)
)

// expiryAfter returns now+ttl, saturated at math.MaxInt64
func expiryAfter(now int64, ttl time.Duration) int64 {
	if now > 0 && int64(ttl) > math.MaxInt64-now {
		return math.MaxInt64
	}
	return now + int64(ttl)
}

// unixNano converts an absolute expiry. Times beyond the int64 range are
// saturated; the epoch itself maps to 1 so it is not mistaken for "no expiry".
func unixNano(t time.Time) int64 {
	switch {
	case t.After(maxUnixNano):
		return math.MaxInt64
	case t.Before(minUnixNano):
		return math.MinInt64
	}
	if ns := t.UnixNano(); ns != 0 {
		return ns
	}
	return 1
}

// unixMilliToNano converts a snapshot expiry, saturated at math.MaxInt64
func unixMilliToNano(ms uint64) int64 {
	if ms > math.MaxInt64/uint64(time.Millisecond) {
		return math.MaxInt64
	}
	if ms == 0 {
		return 1
	}
	return int64(ms) * int64(time.Millisecond)
}

// shardFor returns the shard responsible for key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ember *emberImpl) shardFor(key string) *internal.Shard {
	return internal.GetShard(util.HashString(key, ember.seed), ember.shards)
}

// now returns the current time in unix nanoseconds
func (ember *emberImpl) now() int64 {
	return ember.clock().UnixNano()
}

// lockAll read- or write-locks every shard in index order and returns the matching unlock function.
// All multi-shard operations take the locks in the same order, so they can not deadlock each other.
func (ember *emberImpl) lockAll(write bool) (unlock func()) {
	for _, s := range ember.shards {
		if write {
			s.Lock()
		} else {
			s.RLock()
		}
	}
	return func() {
		for _, s := range ember.shards {
			if write {
				s.Unlock()
			} else {
				s.RUnlock()
			}
		}
	}
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Write Operations
// --------------------------------------------------------------------------

// Insert creates or overwrites an entry. ttl <= 0 means no expiry.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ember *emberImpl) Insert(key string, value []byte, ttl time.Duration) (uint64, error) {
	var expireAt int64
	if ttl > 0 {
		expireAt = expiryAfter(ember.now(), ttl)
	}
	return ember.insert(key, value, expireAt)
}

// InsertAt creates or overwrites an entry with an absolute expiry (zero time = no expiry).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ember *emberImpl) InsertAt(key string, value []byte, expireAt time.Time) (uint64, error) {
	var at int64
	if !expireAt.IsZero() {
		at = unixNano(expireAt)
	}
	return ember.insert(key, value, at)
}

// insert stores the entry. If the table is full, expired entries are swept
// once before the insert is retried.
func (ember *emberImpl) insert(key string, value []byte, expireAt int64) (uint64, error) {
	if ember.closed.Load() {
		return 0, db.ErrClosed
	}

	// Copy value to prevent memory corruption
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	version, err := ember.tryInsert(key, valueCopy, expireAt)
	if errors.Is(err, db.ErrCapacityExceeded) && ember.SweepExpired() > 0 {
		version, err = ember.tryInsert(key, valueCopy, expireAt)
	}
	return version, err
}

// tryInsert performs the insert under the shard lock
func (ember *emberImpl) tryInsert(key string, value []byte, expireAt int64) (uint64, error) {
	shard := ember.shardFor(key)
	now := ember.now()

	shard.Lock()
	defer shard.Unlock()

	old, exists := shard.Data[key]

	// a new key takes a slot
	if !exists && !ember.reserve() {
		return 0, db.ErrCapacityExceeded
	}

	// an overwrite of a live entry keeps its position, everything else moves to the end
	var seq uint64
	if exists && !old.Expired(now) {
		seq = old.Seq
	} else {
		seq = ember.seq.Add(1)
	}

	version := ember.writeIdx.Add(1)
	shard.Data[key] = &internal.Entry{
		Value:    value,
		ExpireAt: expireAt,
		Version:  version,
		Seq:      seq,
	}

	if expireAt != 0 {
		shard.ExpireHeap.AddItem(key, expireAt)
	} else {
		shard.ExpireHeap.RemoveByKey(key)
	}

	return version, nil
}

// reserve takes one slot of the capacity, it returns false if the table is full
func (ember *emberImpl) reserve() bool {
	n := ember.count.Add(1)
	if ember.maxEntries > 0 && n > ember.maxEntries {
		ember.count.Add(-1)
		return false
	}
	return true
}

// Delete removes an entry and reports whether a live entry was removed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ember *emberImpl) Delete(key string) bool {
	shard := ember.shardFor(key)
	now := ember.now()

	shard.Lock()
	defer shard.Unlock()

	e, exists := shard.Data[key]
	if !exists {
		return false
	}

	delete(shard.Data, key)
	shard.ExpireHeap.RemoveByKey(key)
	ember.count.Add(-1)

	return !e.Expired(now)
}

// DeleteAll removes every entry of the table and returns the number of live entries removed.
//
// Thread-safety: This method is thread-safe. It blocks all other operations while it runs.
func (ember *emberImpl) DeleteAll() int {
	now := ember.now()

	unlock := ember.lockAll(true)
	defer unlock()

	removed := 0
	for _, s := range ember.shards {
		for _, e := range s.Data {
			if !e.Expired(now) {
				removed++
			}
		}
		s.Reset()
	}
	ember.count.Store(0)

	return removed
}

// SweepExpired removes all entries whose expiry has passed.
// Each shard is locked on its own, so a sweep never blocks the whole table.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ember *emberImpl) SweepExpired() int {
	now := ember.now()
	removed := 0

	for _, shard := range ember.shards {
		shard.Lock()
		for {
			item, ok := shard.ExpireHeap.Peek()
			if !ok || item.Priority > now {
				break
			}
			shard.ExpireHeap.PopMin()

			// the heap and the map are updated together, this is only a safety net
			if e, exists := shard.Data[item.Key]; exists && e.Expired(now) {
				delete(shard.Data, item.Key)
				ember.count.Add(-1)
				removed++
			}
		}
		shard.Unlock()
	}

	return removed
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Lookup returns a copy of the value of a live entry.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ember *emberImpl) Lookup(key string) ([]byte, bool) {
	shard := ember.shardFor(key)
	now := ember.now()

	shard.RLock()
	defer shard.RUnlock()

	e, exists := shard.Data[key]
	if !exists || e.Expired(now) {
		return nil, false
	}

	data := make([]byte, len(e.Value))
	copy(data, e.Value)
	return data, true
}

// liveEntry is a copy of an entry taken while all shards were locked
type liveEntry struct {
	key   string
	entry internal.Entry
}

// snapshot copies all live entries while holding every shard's read lock
// and returns them in insertion order.
func (ember *emberImpl) snapshot() []liveEntry {
	now := ember.now()

	unlock := ember.lockAll(false)
	entries := make([]liveEntry, 0, ember.count.Load())
	for _, s := range ember.shards {
		for k, e := range s.Data {
			if e.Expired(now) {
				continue
			}
			cp := *e
			cp.Value = make([]byte, len(e.Value))
			copy(cp.Value, e.Value)
			entries = append(entries, liveEntry{key: k, entry: cp})
		}
	}
	unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.Seq < entries[j].entry.Seq
	})
	return entries
}

// LookupAll returns all live entries in insertion order.
//
// Thread-safety: This method is thread-safe. Writers are blocked while the entries are copied.
func (ember *emberImpl) LookupAll() []db.Pair {
	entries := ember.snapshot()
	pairs := make([]db.Pair, len(entries))
	for i, le := range entries {
		pairs[i] = db.Pair{Key: le.key, Value: le.entry.Value}
	}
	return pairs
}

// Len returns the number of live entries.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (ember *emberImpl) Len() int {
	now := ember.now()
	n := 0
	for _, s := range ember.shards {
		s.RLock()
		for _, e := range s.Data {
			if !e.Expired(now) {
				n++
			}
		}
		s.RUnlock()
	}
	return n
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save writes one INSERT frame per live entry in insertion order.
// Entries with an expiry carry wire.FlagExpiresAt and an absolute expiry in unix milliseconds.
//
// Thread-safety: This method is thread-safe. The snapshot is a consistent cut of the table.
func (ember *emberImpl) Save(w io.Writer) error {
	entries := ember.snapshot()

	bw := bufio.NewWriterSize(w, ioBufferSize)
	for _, le := range entries {
		f := wire.Frame{
			Type:  wire.TypeInsert,
			Key:   []byte(le.key),
			Value: le.entry.Value,
		}
		if le.entry.ExpireAt != 0 {
			f.Flags = wire.FlagExpiresAt
			f.Value = wire.PutUint64(uint64(time.Unix(0, le.entry.ExpireAt).UnixMilli()), le.entry.Value)
		}
		if err := wire.WriteFrame(bw, f); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// Load replays a snapshot into the empty table. On error the table is left empty.
//
// Thread-safety: This method must not be called concurrently with other operations.
func (ember *emberImpl) Load(r io.Reader) (err error) {
	if ember.closed.Load() {
		return db.ErrClosed
	}
	if ember.count.Load() != 0 {
		return fmt.Errorf("load into a table with %d entries", ember.count.Load())
	}

	defer func() {
		if err != nil {
			ember.DeleteAll()
		}
	}()

	fr := wire.NewReader(bufio.NewReaderSize(r, ioBufferSize), maxSnapshotRecord)
	now := ember.now()

	for record := 0; ; record++ {
		f, err := fr.ReadFrame()
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: record %d is truncated", db.ErrCorruptSnapshot, record)
		}
		if errors.Is(err, wire.ErrProtocol) {
			return fmt.Errorf("%w: record %d: %v", db.ErrCorruptSnapshot, record, err)
		}
		if err != nil {
			return err
		}

		if f.Type != wire.TypeInsert || f.Flags.Has(wire.FlagTTL) {
			return fmt.Errorf("%w: record %d is a %s frame", db.ErrCorruptSnapshot, record, f.Type)
		}

		value := f.Value
		var expireAt int64
		if f.Flags.Has(wire.FlagExpiresAt) {
			ms, rest, err := wire.SplitUint64(f.Value)
			if err != nil {
				return fmt.Errorf("%w: record %d: %v", db.ErrCorruptSnapshot, record, err)
			}
			expireAt = unixMilliToNano(ms)
			value = rest
			if now >= expireAt {
				continue // expired while the snapshot was on disk
			}
		}

		if value == nil {
			value = []byte{}
		}
		if _, err := ember.tryInsert(string(f.Key), value, expireAt); err != nil {
			return fmt.Errorf("record %d: %w", record, err)
		}
	}
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Metadata
// --------------------------------------------------------------------------

// GetInfo returns estimated statistics about the table
func (ember *emberImpl) GetInfo() db.DatabaseInfo {
	now := ember.now()
	histogram := util.NewSizeHistogram()

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		live        int
		expiredLeft int
		sampled     int
	)
	shardSizes := make([]float64, len(ember.shards))

	wg.Add(len(ember.shards))
	for i, shard := range ember.shards {
		go func(i int, s *internal.Shard) {
			defer wg.Done()

			s.RLock()
			n, expired, count := 0, 0, 0
			for k, e := range s.Data {
				if e.Expired(now) {
					expired++
					continue
				}
				n++
				if count < samplesPerShard {
					histogram.AddSample(len(k) + len(e.Value))
					count++
				}
			}
			s.RUnlock()

			mu.Lock()
			defer mu.Unlock()
			live += n
			expiredLeft += expired
			sampled += count
			shardSizes[i] = float64(n)
		}(i, shard)
	}
	wg.Wait()

	// weighted estimate (60% median, 40% average)
	perEntry := (histogram.MedianEstimate()*60+histogram.AverageSize()*40)/100 + entryOverhead

	meta := &struct {
		ShardCount        int                    `json:"shard_count"`
		ShardDistribution util.DistributionStats `json:"shard_distribution"`
		ExpiredBacklog    int                    `json:"expired_backlog"`
		MaxEntries        int64                  `json:"max_entries"`
		Sampled           int                    `json:"sampled"`
		Info              string                 `json:"info"`
	}{
		ShardCount:        len(ember.shards),
		ShardDistribution: util.NewDistributionStats(shardSizes),
		ExpiredBacklog:    expiredLeft,
		MaxEntries:        ember.maxEntries,
		Sampled:           sampled,
		Info:              "SizeBytes is an estimate based on sampled entries.",
	}

	return db.DatabaseInfo{
		Entries:   live,
		SizeBytes: live * perEntry,
		WriteIdx:  ember.writeIdx.Load(),
		DbType:    db.ImplEmber,
		Metadata:  meta,
	}
}

// WriteIdx returns the last version handed out
func (ember *emberImpl) WriteIdx() uint64 {
	return ember.writeIdx.Load()
}

// Close drops all entries. Later writes fail with db.ErrClosed.
func (ember *emberImpl) Close() error {
	if ember.closed.CompareAndSwap(false, true) {
		ember.DeleteAll()
	}
	return nil
}
