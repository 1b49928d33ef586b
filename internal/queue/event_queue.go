// Package queue also provides a WAL-mode SQLite-backed durable event queue
// used by internal/reporter and internal/transport for at-least-once
// delivery of triage events to the dashboard. Events are persisted on
// Enqueue and are not removed until the transport calls Ack, so a crash
// between Enqueue and Ack simply re-delivers the event on the next Dequeue
// after restart.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pacfix/triagecore/internal/transport"
	triageevent "github.com/pacfix/triagecore/proto"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// EventQueue is a WAL-mode SQLite-backed implementation of reporter.Queue
// and transport.DrainQueue. It is safe for concurrent use.
type EventQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// OpenEventQueue opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed.
//
// OpenEventQueue seeds the internal depth counter from the number of rows
// currently marked as pending (delivered = 0), so Depth() is accurate
// immediately after a crash-recovery restart.
func OpenEventQueue(path string) (*EventQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// A single triage-core process drives event production; limiting the
	// pool to one connection avoids "database is locked" errors when
	// multiple goroutines call Enqueue concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(eventDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &EventQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const eventDDL = `
CREATE TABLE IF NOT EXISTS event_queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id     TEXT    NOT NULL,
    run_id       TEXT    NOT NULL,
    timestamp_us INTEGER NOT NULL,
    kind         TEXT    NOT NULL,
    path         TEXT    NOT NULL DEFAULT '',
    tag          INTEGER NOT NULL DEFAULT 0,
    new_path     INTEGER NOT NULL DEFAULT 0,
    execs        INTEGER NOT NULL DEFAULT 0,
    detail       TEXT    NOT NULL DEFAULT '',
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_queue_pending
    ON event_queue (delivered, id);
`

// Enqueue persists evt to the SQLite database. It implements reporter.Queue.
// The event is stored with delivered = 0 and is included in subsequent
// Dequeue results until Ack is called for its assigned id.
func (q *EventQueue) Enqueue(ctx context.Context, evt triageevent.TriageEvent) error {
	newPath := 0
	if evt.NewPath {
		newPath = 1
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO event_queue (event_id, run_id, timestamp_us, kind, path, tag, new_path, execs, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID,
		evt.RunID,
		evt.TimestampUs,
		string(evt.Kind),
		evt.Path,
		evt.Tag,
		newPath,
		evt.Execs,
		evt.Detail,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// Dequeue returns up to n unacknowledged events in insertion order (oldest
// first). It does not mark events as delivered; call Ack with the returned
// IDs to do that. If n ≤ 0, Dequeue returns nil without querying the
// database. It implements transport.DrainQueue.
func (q *EventQueue) Dequeue(ctx context.Context, n int) ([]transport.PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, event_id, run_id, timestamp_us, kind, path, tag, new_path, execs, detail
		 FROM   event_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []transport.PendingEvent
	for rows.Next() {
		var (
			pe      transport.PendingEvent
			kind    string
			newPath int
		)
		if err := rows.Scan(
			&pe.ID,
			&pe.Evt.EventID,
			&pe.Evt.RunID,
			&pe.Evt.TimestampUs,
			&kind,
			&pe.Evt.Path,
			&pe.Evt.Tag,
			&newPath,
			&pe.Evt.Execs,
			&pe.Evt.Detail,
		); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		pe.Evt.Kind = triageevent.Kind(kind)
		pe.Evt.NewPath = newPath != 0

		out = append(out, pe)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the events identified by ids as delivered. Acknowledged events
// are excluded from subsequent Dequeue results. Ack is idempotent: calling
// it multiple times with the same IDs is safe. It implements
// transport.DrainQueue.
func (q *EventQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE event_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) events. It reads from
// an atomic counter updated by Enqueue and Ack, so it never blocks. It
// implements reporter.Queue and transport.DrainQueue.
func (q *EventQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. It implements
// reporter.Queue. Subsequent calls to any method are undefined; callers must
// not use the queue after Close returns.
func (q *EventQueue) Close() error {
	return q.db.Close()
}
