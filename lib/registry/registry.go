package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/phoenixkv/phoenix/lib/db"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/samber/lo"
)

var Logger = logger.GetLogger("registry")

// DefaultName is the name of the implicit database every connection starts on
const DefaultName = "default"

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrDatabaseNotFound is returned for names that are not registered and for destroyed handles
	ErrDatabaseNotFound = errors.New("database not found")

	// ErrDatabaseExists is returned by Create if the name is already taken
	ErrDatabaseExists = errors.New("database already exists")

	// ErrDatabaseUnavailable is returned by Acquire if the database could not be restored
	ErrDatabaseUnavailable = errors.New("database unavailable")
)

// --------------------------------------------------------------------------
// Database handle
// --------------------------------------------------------------------------

// Database is a named table. A handle is never reused: once destroyed, it stays
// destroyed even if a new database with the same name is created later.
type Database struct {
	name  string
	table db.KVDB

	// lifecycle is held for reading by every operation on the table and for
	// writing by Destroy, so destroying waits for in-flight operations to finish
	lifecycle sync.RWMutex
	destroyed bool
	failure   error // restore error, the table is not usable if set
}

// Name returns the name the database was registered under
func (d *Database) Name() string {
	return d.name
}

// Acquire pins the database for one operation and returns its table.
// Every successful Acquire must be paired with a Release.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (d *Database) Acquire() (db.KVDB, error) {
	d.lifecycle.RLock()
	if d.destroyed {
		d.lifecycle.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, d.name)
	}
	if d.failure != nil {
		d.lifecycle.RUnlock()
		return nil, fmt.Errorf("%w: %s: %v", ErrDatabaseUnavailable, d.name, d.failure)
	}
	return d.table, nil
}

// Release unpins the database after Acquire
func (d *Database) Release() {
	d.lifecycle.RUnlock()
}

// With runs fn with the pinned table
func (d *Database) With(fn func(table db.KVDB) error) error {
	table, err := d.Acquire()
	if err != nil {
		return err
	}
	defer d.Release()
	return fn(table)
}

// Available reports whether the database can serve operations
func (d *Database) Available() bool {
	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()
	return !d.destroyed && d.failure == nil
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Factory creates the table of a new database
type Factory func() db.KVDB

// Options configures a Registry
type Options struct {
	Factory Factory // table constructor, required
	DataDir string  // snapshot directory, empty = memory only
}

// Registry maps database names to databases.
//
// Name lookups never block. Create and Destroy are serialized among each
// other; the only table lock Destroy takes is the one of the database it
// destroys, so other databases keep serving.
type Registry struct {
	factory Factory
	dataDir string

	dbs *xsync.MapOf[string, *Database]
	mu  sync.Mutex // serializes Create/Open/Destroy/Restore

	// returned by Default while no database is registered under DefaultName
	missingDefault *Database
}

// New creates a registry holding an empty default database.
// Call Restore afterwards to load snapshots from the data directory.
func New(opts Options) *Registry {
	if opts.Factory == nil {
		panic("registry: Options.Factory is required")
	}

	r := &Registry{
		factory:        opts.Factory,
		dataDir:        opts.DataDir,
		dbs:            xsync.NewMapOf[string, *Database](),
		missingDefault: &Database{name: DefaultName, destroyed: true},
	}
	r.dbs.Store(DefaultName, r.newDatabase(DefaultName))
	return r
}

func (r *Registry) newDatabase(name string) *Database {
	return &Database{name: name, table: r.factory()}
}

// Create registers a new empty database.
//
// Thread-safety: This method is thread-safe. Two concurrent calls with the same name never both succeed.
func (r *Registry) Create(name string) (*Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dbs.Load(name); exists {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseExists, name)
	}

	d := r.newDatabase(name)
	r.dbs.Store(name, d)
	Logger.Infof("created database %q", name)
	return d, nil
}

// Open returns the database registered under name, creating it if needed
func (r *Registry) Open(name string) (*Database, error) {
	if d, ok := r.dbs.Load(name); ok {
		return d, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.dbs.Load(name); ok {
		return d, nil
	}
	d := r.newDatabase(name)
	r.dbs.Store(name, d)
	Logger.Infof("created database %q", name)
	return d, nil
}

// Destroy removes the database, waits for its in-flight operations, releases
// its entries and deletes its snapshot file. When Destroy returns no operation
// can observe the database anymore.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Registry) Destroy(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.dbs.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}

	// quiesce
	d.lifecycle.Lock()
	d.destroyed = true
	if d.table != nil {
		_ = d.table.Close()
	}
	d.lifecycle.Unlock()

	if r.dataDir != "" {
		if err := os.Remove(r.snapshotPath(name)); err != nil && !os.IsNotExist(err) {
			Logger.Warningf("failed to remove snapshot of database %q: %v", name, err)
		}
	}

	Logger.Infof("destroyed database %q", name)
	return nil
}

// Get returns the database registered under name
//
// Thread-safety: This method is lock-free and can be called concurrently.
func (r *Registry) Get(name string) (*Database, error) {
	d, ok := r.dbs.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}
	return d, nil
}

// Default returns the database registered under DefaultName. If it was
// destroyed, a handle is returned whose Acquire fails with ErrDatabaseNotFound.
func (r *Registry) Default() *Database {
	if d, ok := r.dbs.Load(DefaultName); ok {
		return d
	}
	return r.missingDefault
}

// Names returns the names of all registered databases in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, r.dbs.Size())
	r.dbs.Range(func(name string, _ *Database) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Len returns the number of registered databases
func (r *Registry) Len() int {
	return r.dbs.Size()
}

// Available returns the names of all databases that can serve operations
func (r *Registry) Available() []string {
	return lo.Filter(r.Names(), func(name string, _ int) bool {
		d, ok := r.dbs.Load(name)
		return ok && d.Available()
	})
}

// each calls fn for every database that can be acquired; fn runs with the database pinned
func (r *Registry) each(fn func(d *Database, table db.KVDB)) {
	r.dbs.Range(func(_ string, d *Database) bool {
		table, err := d.Acquire()
		if err != nil {
			return true
		}
		fn(d, table)
		d.Release()
		return true
	})
}

// Close releases every database. Take a final snapshot with SaveAll before.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dbs.Range(func(name string, d *Database) bool {
		d.lifecycle.Lock()
		d.destroyed = true
		if d.table != nil {
			_ = d.table.Close()
		}
		d.lifecycle.Unlock()
		return true
	})
	r.dbs.Clear()
}
