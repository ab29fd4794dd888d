package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/phoenixkv/phoenix/lib/db/engines/ember"
	dbtesting "github.com/phoenixkv/phoenix/lib/db/testing"
)

func newTestRegistry(t *testing.T, dataDir string, clock db.Clock) *Registry {
	t.Helper()
	r := New(Options{
		Factory: func() db.KVDB {
			return ember.NewEmberDB(&ember.DBOptions{NumShards: 4, Clock: clock})
		},
		DataDir: dataDir,
	})
	t.Cleanup(r.Close)
	return r
}

func insert(t *testing.T, d *Database, key, value string, ttl time.Duration) {
	t.Helper()
	err := d.With(func(table db.KVDB) error {
		_, err := table.Insert(key, []byte(value), ttl)
		return err
	})
	if err != nil {
		t.Fatalf("insert %q into %q failed: %v", key, d.Name(), err)
	}
}

func lookup(t *testing.T, d *Database, key string) (string, bool) {
	t.Helper()
	var (
		value []byte
		ok    bool
	)
	err := d.With(func(table db.KVDB) error {
		value, ok = table.Lookup(key)
		return nil
	})
	if err != nil {
		t.Fatalf("lookup %q in %q failed: %v", key, d.Name(), err)
	}
	return string(value), ok
}

func TestDefaultDatabase(t *testing.T) {
	r := newTestRegistry(t, "", time.Now)

	d := r.Default()
	if d.Name() != DefaultName {
		t.Errorf("Expected default database name %q, got %q", DefaultName, d.Name())
	}
	if names := r.Names(); len(names) != 1 || names[0] != DefaultName {
		t.Errorf("Expected only the default database, got %v", names)
	}
	insert(t, d, "k", "v", 0)

	if err := r.Destroy(DefaultName); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Default().Acquire(); !errors.Is(err, ErrDatabaseNotFound) {
		t.Errorf("Default must be unusable after it was destroyed, got %v", err)
	}

	if _, err := r.Create(DefaultName); err != nil {
		t.Fatal(err)
	}
	if _, ok := lookup(t, r.Default(), "k"); ok {
		t.Errorf("Recreated default database must be empty")
	}
}

func TestCreateDestroy(t *testing.T) {
	r := newTestRegistry(t, "", time.Now)

	orders, err := r.Create("orders")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Create("orders"); !errors.Is(err, ErrDatabaseExists) {
		t.Errorf("Expected ErrDatabaseExists, got %v", err)
	}

	insert(t, orders, "o1", "pending", 0)

	// isolation
	if _, ok := lookup(t, r.Default(), "o1"); ok {
		t.Errorf("Key of orders must not be visible in the default database")
	}

	got, err := r.Get("orders")
	if err != nil || got != orders {
		t.Errorf("Get returned %v, %v", got, err)
	}

	opened, err := r.Open("orders")
	if err != nil || opened != orders {
		t.Errorf("Open of an existing database must return it")
	}

	if err := r.Destroy("orders"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := r.Destroy("orders"); !errors.Is(err, ErrDatabaseNotFound) {
		t.Errorf("Expected ErrDatabaseNotFound on second Destroy, got %v", err)
	}
	if _, err := r.Get("orders"); !errors.Is(err, ErrDatabaseNotFound) {
		t.Errorf("Expected ErrDatabaseNotFound from Get, got %v", err)
	}

	// the old handle stays destroyed
	if _, err := orders.Acquire(); !errors.Is(err, ErrDatabaseNotFound) {
		t.Errorf("Destroyed handle must fail with ErrDatabaseNotFound, got %v", err)
	}

	again, err := r.Open("orders")
	if err != nil {
		t.Fatal(err)
	}
	if again == orders {
		t.Errorf("A destroyed handle must never be reused")
	}
	if _, err := orders.Acquire(); !errors.Is(err, ErrDatabaseNotFound) {
		t.Errorf("Old handle must stay destroyed after the name was reused, got %v", err)
	}
}

func TestNames(t *testing.T) {
	r := newTestRegistry(t, "", time.Now)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := r.Create(name); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"alpha", DefaultName, "mid", "zeta"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
	if r.Len() != 4 {
		t.Errorf("Expected 4 databases, got %d", r.Len())
	}
}

func TestConcurrentCreate(t *testing.T) {
	r := newTestRegistry(t, "", time.Now)

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := r.Create("race"); err == nil {
				successes.Add(1)
			} else if !errors.Is(err, ErrDatabaseExists) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := successes.Load(); n != 1 {
		t.Errorf("Exactly one Create must succeed, %d did", n)
	}
}

func TestDestroyQuiesces(t *testing.T) {
	r := newTestRegistry(t, "", time.Now)
	d, _ := r.Create("busy")

	table, err := d.Acquire()
	if err != nil {
		t.Fatal(err)
	}

	destroyed := make(chan struct{})
	go func() {
		_ = r.Destroy("busy")
		close(destroyed)
	}()

	// the name disappears right away, the table stays usable for the pinned operation
	select {
	case <-destroyed:
		t.Fatal("Destroy returned while an operation was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := table.Insert("k", []byte("v"), 0); err != nil {
		t.Errorf("In-flight operation must complete: %v", err)
	}
	d.Release()

	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatal("Destroy did not return after the operation finished")
	}

	if _, err := table.Insert("k", []byte("v"), 0); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Table must be closed after Destroy, got %v", err)
	}
}

func TestDestroyDuringTraffic(t *testing.T) {
	r := newTestRegistry(t, "", time.Now)
	other, _ := r.Create("other")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				d, err := r.Open("churn")
				if err != nil {
					t.Errorf("Open failed: %v", err)
					return
				}
				err = d.With(func(table db.KVDB) error {
					_, err := table.Insert(fmt.Sprintf("k-%d-%d", w, i), []byte("v"), 0)
					return err
				})
				if err != nil && !errors.Is(err, ErrDatabaseNotFound) {
					t.Errorf("Unexpected error: %v", err)
					return
				}
			}
		}(w)
	}

	for i := 0; i < 50; i++ {
		_ = r.Destroy("churn")
		insert(t, other, "alive", "yes", 0)
	}
	close(stop)
	wg.Wait()

	if v, ok := lookup(t, other, "alive"); !ok || v != "yes" {
		t.Errorf("Destroying one database must not affect another")
	}
}

func TestSweeper(t *testing.T) {
	clock := dbtesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	r := newTestRegistry(t, "", clock.Now)
	sessions, _ := r.Create("sessions")

	insert(t, sessions, "s1", "token", time.Second)
	insert(t, r.Default(), "d1", "x", time.Second)
	insert(t, r.Default(), "keep", "x", 0)

	if n := r.SweepAll(); n != 0 {
		t.Errorf("Nothing expired yet, swept %d", n)
	}
	clock.Advance(time.Second)
	if n := r.SweepAll(); n != 2 {
		t.Errorf("Expected 2 swept entries across databases, got %d", n)
	}

	t.Run("RunSweeper", func(t *testing.T) {
		before := sweptEntries.Get()
		insert(t, sessions, "s2", "token", time.Second)
		clock.Advance(time.Second)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			r.RunSweeper(ctx, 5*time.Millisecond)
			close(done)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for sweptEntries.Get() == before {
			if time.Now().After(deadline) {
				t.Error("Sweeper did not remove the expired entry")
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
		<-done
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clock := dbtesting.NewFakeClock(time.Now())

	r := newTestRegistry(t, dir, clock.Now)
	users, _ := r.Create("users/eu")
	insert(t, users, "u1", "alice", 0)
	insert(t, users, "u2", "bob", time.Hour)
	insert(t, r.Default(), "d", "default-value", 0)

	if err := r.SaveAll(); err != nil {
		t.Fatalf("SaveAll failed: %v", err)
	}

	// names are escaped, no temporary files are left behind
	if _, err := os.Stat(filepath.Join(dir, "users%2Feu.snap")); err != nil {
		t.Errorf("Expected an escaped snapshot file: %v", err)
	}
	tmps, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(tmps) != 0 {
		t.Errorf("Temporary files left behind: %v", tmps)
	}

	restored := newTestRegistry(t, dir, clock.Now)
	n, err := restored.Restore()
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 restored databases, got %d", n)
	}

	d, err := restored.Get("users/eu")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := lookup(t, d, "u1"); !ok || v != "alice" {
		t.Errorf("Expected u1=alice, got %q (ok=%v)", v, ok)
	}
	if v, ok := lookup(t, restored.Default(), "d"); !ok || v != "default-value" {
		t.Errorf("Expected default database to be restored, got %q (ok=%v)", v, ok)
	}

	clock.Advance(time.Hour)
	if _, ok := lookup(t, d, "u2"); ok {
		t.Errorf("Restored entry must keep its expiry")
	}

	t.Run("DestroyRemovesSnapshot", func(t *testing.T) {
		if err := restored.Destroy("users/eu"); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dir, "users%2Feu.snap")); !os.IsNotExist(err) {
			t.Errorf("Snapshot file must be deleted with the database, stat: %v", err)
		}
	})
}

func TestCorruptSnapshotMakesDatabaseUnavailable(t *testing.T) {
	dir := t.TempDir()

	r := newTestRegistry(t, dir, time.Now)
	good, _ := r.Create("good")
	insert(t, good, "k", "v", 0)
	if err := r.SaveAll(); err != nil {
		t.Fatal(err)
	}

	// a record claiming more bytes than the file holds
	if err := os.WriteFile(filepath.Join(dir, "broken.snap"), []byte{1, 0, 0, 1, 0, 0, 0, 9, 'k', 'v'}, 0o644); err != nil {
		t.Fatal(err)
	}

	restored := newTestRegistry(t, dir, time.Now)
	if _, err := restored.Restore(); err != nil {
		t.Fatalf("A corrupt snapshot must not fail the whole restore: %v", err)
	}

	broken, err := restored.Get("broken")
	if err != nil {
		t.Fatalf("Broken database must stay registered: %v", err)
	}
	if _, err := broken.Acquire(); !errors.Is(err, ErrDatabaseUnavailable) {
		t.Errorf("Expected ErrDatabaseUnavailable, got %v", err)
	}
	if _, err := restored.Create("broken"); !errors.Is(err, ErrDatabaseExists) {
		t.Errorf("An unavailable database still holds its name, got %v", err)
	}

	g, _ := restored.Get("good")
	if v, ok := lookup(t, g, "k"); !ok || v != "v" {
		t.Errorf("Other databases must be restored normally")
	}

	avail := restored.Available()
	for _, name := range avail {
		if name == "broken" {
			t.Errorf("Unavailable database listed as available: %v", avail)
		}
	}

	// SaveAll skips the unavailable database and keeps its file for inspection
	if err := restored.SaveAll(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.snap")); err != nil {
		t.Errorf("Corrupt snapshot must not be overwritten: %v", err)
	}

	// destroying it clears the name and the file
	if err := restored.Destroy("broken"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.snap")); !os.IsNotExist(err) {
		t.Errorf("Destroy must remove the corrupt snapshot")
	}
}

func TestRunSnapshotter(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, dir, time.Now)
	insert(t, r.Default(), "k", "v", 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunSnapshotter(ctx, 10*time.Millisecond)
		close(done)
	}()

	path := filepath.Join(dir, DefaultName+snapshotExt)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Snapshotter did not write a snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	t.Run("MemoryOnly", func(t *testing.T) {
		mem := newTestRegistry(t, "", time.Now)
		// returns immediately without a data dir
		mem.RunSnapshotter(context.Background(), time.Millisecond)
		if err := mem.SaveAll(); err != nil {
			t.Errorf("SaveAll without data dir should be a no-op: %v", err)
		}
	})
}
