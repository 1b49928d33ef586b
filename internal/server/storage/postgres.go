package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of event rows held in-memory before
	// an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes pending
	// events even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the triage dashboard.
//
// TriageEvent ingestion is batched: callers enqueue individual events via
// BatchInsertEvents, which accumulates them in memory and flushes to the
// database either when the buffer reaches batchSize or when the background
// ticker fires, whichever comes first. All other operations (runs, audit
// entries) are executed immediately.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []TriageEvent
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]TriageEvent, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// events, and closes the connection pool. It is safe to call Close more than
// once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		// already closed
	default:
		close(s.stopCh)
		<-s.doneCh
		// Best-effort final flush; errors are not propagated on close.
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

// flushLoop is the background goroutine that ticks on flushInterval and calls
// Flush. It exits when stopCh is closed.
func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertEvents enqueues evt for deferred batch insertion.
//
// If the internal buffer reaches batchSize after appending, Flush is called
// synchronously before returning so that the caller observes back-pressure
// rather than unbounded memory growth.
func (s *Store) BatchInsertEvents(ctx context.Context, evt TriageEvent) error {
	s.mu.Lock()
	s.batch = append(s.batch, evt)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current event buffer and sends all rows to PostgreSQL in a
// single pgx.Batch round-trip. Rows that conflict on the primary key
// (event_id, received_at) are silently ignored. received_at is stamped on
// each receipt, so an event the triage core delivers again is stored again
// as a new row.
//
// Flush is safe to call concurrently: a mutex swap ensures each call drains a
// distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]TriageEvent, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO triage_events
			(event_id, run_id, timestamp, kind, path, tag, new_path, execs, detail, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		e := &toInsert[i]
		b.Queue(query,
			e.EventID, e.RunID, e.Timestamp,
			string(e.Kind), e.Path, e.Tag, e.NewPath, e.Execs,
			e.Detail, e.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec triage event: %w", err)
		}
	}
	return nil
}

// QueryEvents returns paginated triage events that fall within
// [q.From, q.To) on the received_at column. The time-range constraint
// enables PostgreSQL partition pruning so only the relevant monthly
// partitions are scanned.
//
// Optional filters: q.RunID (exact match), q.Kind (exact match).
// q.Limit defaults to 100; q.Offset enables cursor-style pagination.
// Results are ordered by received_at DESC, event_id ASC.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]TriageEvent, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	// Base args: $1=from, $2=to, $3=limit, $4=offset
	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	argIdx := 5

	if q.RunID != "" {
		where += fmt.Sprintf(" AND run_id = $%d", argIdx)
		args = append(args, q.RunID)
		argIdx++
	}
	if q.Kind != nil {
		where += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, string(*q.Kind))
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT event_id, run_id, timestamp, kind, path, tag, new_path, execs, detail, received_at
		FROM   triage_events
		%s
		ORDER  BY received_at DESC, event_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []TriageEvent
	for rows.Next() {
		var e TriageEvent
		var kind string
		err := rows.Scan(
			&e.EventID, &e.RunID, &e.Timestamp,
			&kind, &e.Path, &e.Tag, &e.NewPath, &e.Execs,
			&e.Detail, &e.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan triage event: %w", err)
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// QueryRunStats computes the aggregated event counters for runID, used by
// the dashboard's per-run summary tiles.
func (s *Store) QueryRunStats(ctx context.Context, runID string) (*RunStats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'NEW_COVERAGE'),
			COUNT(*) FILTER (WHERE kind = 'CRASH'),
			COUNT(*) FILTER (WHERE kind = 'HANG'),
			COUNT(*) FILTER (WHERE kind = 'VALUATION_ACCEPT')
		FROM triage_events
		WHERE run_id = $1`, runID)

	stats := &RunStats{RunID: runID}
	err := row.Scan(
		&stats.TotalNewCoverage,
		&stats.TotalCrashes,
		&stats.TotalHangs,
		&stats.TotalValuationAccepts,
	)
	if err != nil {
		return nil, fmt.Errorf("query run stats %s: %w", runID, err)
	}
	return stats, nil
}

// --- Run CRUD ---

// UpsertRun inserts a new run or, on run_id conflict, updates all mutable
// fields. It returns the effective run_id that is persisted in the database:
// on a clean insert this equals r.RunID; on a conflict the existing row is
// updated in place and the same run_id is returned, so callers always
// receive a stable identifier across triage core reconnects.
func (s *Store) UpsertRun(ctx context.Context, r Run) (string, error) {
	var effectiveRunID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO runs
			(run_id, hostname, out_dir, map_size, core_version, started_at, last_seen, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			hostname     = EXCLUDED.hostname,
			out_dir      = EXCLUDED.out_dir,
			map_size     = EXCLUDED.map_size,
			core_version = EXCLUDED.core_version,
			last_seen    = EXCLUDED.last_seen,
			status       = EXCLUDED.status
		RETURNING run_id`,
		r.RunID,
		r.Hostname,
		r.OutDir,
		r.MapSize,
		nullableStr(r.CoreVersion),
		r.StartedAt,
		r.LastSeen,
		string(r.Status),
	).Scan(&effectiveRunID)
	if err != nil {
		return "", fmt.Errorf("upsert run: %w", err)
	}
	return effectiveRunID, nil
}

// GetRun returns the run with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, hostname, out_dir, map_size, core_version, started_at, last_seen, status
		FROM   runs
		WHERE  run_id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns all registered runs ordered by start time, most recent
// first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, hostname, out_dir, map_size, core_version, started_at, last_seen, status
		FROM   runs
		ORDER  BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// --- AuditEntry operations ---

// InsertAuditEntry persists a single tamper-evident audit log entry.
// The caller must populate EntryID, EventHash, PrevHash, and SequenceNum.
func (s *Store) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries
			(entry_id, run_id, sequence_num, event_hash, prev_hash, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.EntryID,
		e.RunID,
		e.SequenceNum,
		e.EventHash,
		e.PrevHash,
		[]byte(e.Payload),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// QueryAuditEntries returns audit entries for runID with created_at in
// [from, to), ordered by sequence_num ascending.
func (s *Store) QueryAuditEntries(ctx context.Context, runID string, from, to time.Time) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, run_id, sequence_num, event_hash, prev_hash, payload, created_at
		FROM   audit_entries
		WHERE  run_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER  BY sequence_num ASC`,
		runID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var payload []byte
		err := rows.Scan(
			&e.EntryID, &e.RunID, &e.SequenceNum,
			&e.EventHash, &e.PrevHash,
			&payload,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Payload = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- internal helpers ---

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun reads one run row from s.
func scanRun(s scanner) (*Run, error) {
	var r Run
	var coreVersion *string
	var status string
	err := s.Scan(
		&r.RunID, &r.Hostname, &r.OutDir, &r.MapSize,
		&coreVersion,
		&r.StartedAt, &r.LastSeen,
		&status,
	)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	if coreVersion != nil {
		r.CoreVersion = *coreVersion
	}
	return &r, nil
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL. A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
