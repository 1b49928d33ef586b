// Package queue provides a WAL-mode SQLite-backed store for fuzzer queue
// entries. It persists the metadata that the save-if-interesting pipeline
// (internal/triage) attaches to every kept testcase: the on-disk path,
// checksums, novelty flags, and the n_fuzz_entry marker (spec §3, §4.E
// step 4). The saturating n_fuzz counters themselves are kept in memory by
// NFuzzCounters, keyed by the raw trace's hash.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the triage
// goroutine's Add calls do not block a concurrent dashboard query reading
// queue depth or entry listings.
//
// # Crash recovery
//
// Entries are durable as soon as Add returns; Count() is reconstructed from
// the table on Open, so a restarted fuzzer resumes with
// an accurate queue view without re-running any testcase.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Entry is a queue entry as referenced by the triage core (spec §3). Tested,
// PathCksum and ExecCksum are set at Add time; NFuzzEntry is non-zero only
// when the save pipeline computed an n_fuzz trace hash for this testcase
// (a frequency-weighted schedule outside directed mode, spec §4.E step 4).
type Entry struct {
	ID          int64
	Fname       string // basename under <out>/queue/
	Len         int
	Tested      bool
	PathCksum   uint64
	ExecCksum   uint64
	HasNewCov   bool
	AFLRunExtra bool
	NFuzzEntry  uint32 // 0 if this entry has no n_fuzz counter
}

// SQLiteQueue is a WAL-mode SQLite-backed queue-entry store. It is safe for
// concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	count atomic.Int64
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. If path is ":memory:", an in-memory database is used, suitable for
// tests but losing all data on Close.
func Open(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// A single target process drives the whole triage pipeline, so one
	// writer connection is never a bottleneck and avoids "database is
	// locked" errors against the dashboard's read queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count rows: %w", err)
	}
	q.count.Store(n)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS queue_entries (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    fname         TEXT    NOT NULL,
    len           INTEGER NOT NULL,
    tested        INTEGER NOT NULL DEFAULT 0,
    path_cksum    INTEGER NOT NULL,
    exec_cksum    INTEGER NOT NULL,
    has_new_cov   INTEGER NOT NULL DEFAULT 0,
    aflrun_extra  INTEGER NOT NULL DEFAULT 0,
    n_fuzz_entry  INTEGER NOT NULL DEFAULT 0
);
`

// Add persists e and returns the assigned entry, with ID filled in. It
// implements the pipeline's add_to_queue contract (spec §6): the core never
// frees a queue entry, so there is no corresponding Delete.
func (q *SQLiteQueue) Add(ctx context.Context, e Entry) (Entry, error) {
	tested := 0
	if e.Tested {
		tested = 1
	}
	hasNewCov := 0
	if e.HasNewCov {
		hasNewCov = 1
	}
	aflrunExtra := 0
	if e.AFLRunExtra {
		aflrunExtra = 1
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_entries
		   (fname, len, tested, path_cksum, exec_cksum, has_new_cov, aflrun_extra, n_fuzz_entry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Fname, e.Len, tested, int64(e.PathCksum), int64(e.ExecCksum), hasNewCov, aflrunExtra, e.NFuzzEntry,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: add: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("queue: add: read id: %w", err)
	}
	e.ID = id
	q.count.Add(1)
	return e, nil
}

// Count returns the number of queue entries ever added. It backs
// queue_cycle's "current queue size" input to the scheduler (spec §6).
func (q *SQLiteQueue) Count() int {
	return int(q.count.Load())
}

// MarkTested flips the tested flag for the entry with the given ID, used
// once calibration has run for it.
func (q *SQLiteQueue) MarkTested(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_entries SET tested = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("queue: mark tested: %w", err)
	}
	return nil
}

// Close closes the underlying database connection. Callers must not use the
// queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
