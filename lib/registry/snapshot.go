package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/phoenixkv/phoenix/lib/db"
)

const (
	snapshotExt = ".snap"
	tempExt     = ".tmp"
)

var (
	snapshotsWritten = metrics.GetOrCreateCounter("phoenix_snapshots_written_total")
	snapshotErrors   = metrics.GetOrCreateCounter("phoenix_snapshot_errors_total")
	snapshotDuration = metrics.GetOrCreateHistogram("phoenix_snapshot_duration_seconds")
	sweptEntries     = metrics.GetOrCreateCounter("phoenix_swept_entries_total")
)

// snapshotPath returns the file a database is persisted to. Names are path
// escaped, so any database name maps to a single file inside the data dir.
func (r *Registry) snapshotPath(name string) string {
	return filepath.Join(r.dataDir, url.PathEscape(name)+snapshotExt)
}

// --------------------------------------------------------------------------
// Restore
// --------------------------------------------------------------------------

// Restore loads every snapshot file of the data directory into a database of
// the same name. A snapshot that can not be loaded does not stop the restore:
// its database is registered as unavailable and the error is logged.
// The returned count is the number of databases restored successfully.
func (r *Registry) Restore() (int, error) {
	if r.dataDir == "" {
		return 0, nil
	}

	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create data dir: %w", err)
	}

	files, err := os.ReadDir(r.dataDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read data dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), snapshotExt) {
			continue
		}

		name, err := url.PathUnescape(strings.TrimSuffix(f.Name(), snapshotExt))
		if err != nil {
			Logger.Warningf("skipping snapshot %s: invalid name: %v", f.Name(), err)
			continue
		}

		d := r.restoreOne(name, filepath.Join(r.dataDir, f.Name()))
		if old, ok := r.dbs.Load(name); ok && old.table != nil {
			_ = old.table.Close()
		}
		r.dbs.Store(name, d)

		if d.failure == nil {
			restored++
		}
	}

	Logger.Infof("restored %d database(s) from %s", restored, r.dataDir)
	return restored, nil
}

// restoreOne builds the database for one snapshot file
func (r *Registry) restoreOne(name, path string) *Database {
	start := time.Now()
	d := &Database{name: name}

	file, err := os.Open(path)
	if err != nil {
		d.failure = err
		Logger.Errorf("database %q is unavailable: %v", name, err)
		return d
	}
	defer file.Close()

	table := r.factory()
	if err := table.Load(file); err != nil {
		_ = table.Close()
		d.failure = err
		Logger.Errorf("database %q is unavailable: failed to restore %s: %v", name, path, err)
		return d
	}

	d.table = table
	Logger.Infof("restored database %q with %d entries in %s", name, table.Len(), time.Since(start))
	return d
}

// --------------------------------------------------------------------------
// Save
// --------------------------------------------------------------------------

// SaveAll writes every available database to its snapshot file. Each file is
// written to a temporary file first and renamed, so a crash never leaves a
// half written snapshot behind.
func (r *Registry) SaveAll() error {
	if r.dataDir == "" {
		return nil
	}

	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	var errs []error
	r.each(func(d *Database, table db.KVDB) {
		start := time.Now()
		if err := r.saveOne(d.name, table); err != nil {
			snapshotErrors.Inc()
			errs = append(errs, fmt.Errorf("database %q: %w", d.name, err))
			return
		}
		snapshotsWritten.Inc()
		snapshotDuration.UpdateDuration(start)
	})

	return errors.Join(errs...)
}

func (r *Registry) saveOne(name string, table db.KVDB) error {
	path := r.snapshotPath(name)
	tmp := path + tempExt

	file, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := table.Save(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}

// --------------------------------------------------------------------------
// Background tasks
// --------------------------------------------------------------------------

// RunSnapshotter calls SaveAll every interval until ctx is done.
// It returns immediately if no data dir is configured.
func (r *Registry) RunSnapshotter(ctx context.Context, interval time.Duration) {
	if r.dataDir == "" || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SaveAll(); err != nil {
				Logger.Errorf("snapshot failed: %v", err)
			}
		}
	}
}

// SweepAll removes expired entries from every available database and
// returns the number of removed entries
func (r *Registry) SweepAll() int {
	total := 0
	r.each(func(_ *Database, table db.KVDB) {
		total += table.SweepExpired()
	})
	sweptEntries.Add(total)
	return total
}

// RunSweeper calls SweepAll every interval until ctx is done
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.SweepAll(); n > 0 {
				Logger.Debugf("swept %d expired entries", n)
			}
		}
	}
}
