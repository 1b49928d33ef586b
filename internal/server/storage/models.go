// Package storage provides the PostgreSQL-backed persistence layer for the
// triage dashboard server. It exposes typed model structs for the tracked
// tables (runs, triage_events, audit_entries) and a Store that wraps a
// pgxpool connection pool with a batched event-insert path.
package storage

import (
	"encoding/json"
	"time"
)

// EventKind is the category of a TriageEvent, mirroring proto/triageevent.Kind.
type EventKind string

const (
	EventKindNewCoverage     EventKind = "NEW_COVERAGE"
	EventKindCrash           EventKind = "CRASH"
	EventKindHang            EventKind = "HANG"
	EventKindValuationAccept EventKind = "VALUATION_ACCEPT"
)

// RunStatus represents the liveness state of a fuzzing run as seen by the
// dashboard.
type RunStatus string

const (
	RunStatusActive  RunStatus = "ACTIVE"
	RunStatusIdle    RunStatus = "IDLE"
	RunStatusStopped RunStatus = "STOPPED"
)

// Run maps to the `runs` table.
//
// LastSeen is set to the registration time by Register; ingested
// TriageEvents do not update it. CoreVersion is the triage core's self-reported build string,
// used to flag drift between fleet instances on the dashboard.
type Run struct {
	RunID       string     `json:"run_id"`
	Hostname    string     `json:"hostname"`
	OutDir      string     `json:"out_dir"`
	MapSize     int        `json:"map_size"`
	CoreVersion string     `json:"core_version,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	Status      RunStatus  `json:"status"`
}

// TriageEvent maps to the `triage_events` partitioned table.
//
// Tag carries the scheduler cluster byte (primary tag or diversity tag) that
// produced this coverage observation; it is 0 for events with no associated
// cluster. Detail carries an arbitrary free-text or JSON description (e.g.
// the crash signal name, or the valuation side-channel hash) and round-trips
// verbatim. Execs is the fuzzer's total execution count at the time the
// event fired, used by the dashboard to compute executions-per-finding.
type TriageEvent struct {
	EventID     string    `json:"event_id"`
	RunID       string    `json:"run_id"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        EventKind `json:"kind"`
	Path        string    `json:"path"`
	Tag         int16     `json:"tag"`
	NewPath     bool      `json:"new_path"`
	Execs       int64     `json:"execs"`
	Detail      string    `json:"detail,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// RunStats is the aggregated counter view computed by Store.QueryRunStats,
// backing the dashboard's per-run summary tiles.
type RunStats struct {
	RunID                 string `json:"run_id"`
	TotalNewCoverage      int64  `json:"total_new_coverage"`
	TotalCrashes          int64  `json:"total_crashes"`
	TotalHangs            int64  `json:"total_hangs"`
	TotalValuationAccepts int64  `json:"total_valuation_accepts"`
}

// AuditEntry maps to the `audit_entries` table. It is the durable mirror of
// the hash-chained entries produced by internal/audit.Logger, persisted so
// the dashboard can serve chain-verification queries without shelling out to
// the triage core's local disk.
//
// EventHash is the SHA-256 hex digest of this entry.
// PrevHash is the SHA-256 hex digest of the previous entry; for the genesis
// entry this is a string of 64 zeros.
// Payload holds the full event data as a JSONB value.
type AuditEntry struct {
	EntryID     string          `json:"entry_id"`
	RunID       string          `json:"run_id"`
	SequenceNum int64           `json:"sequence_num"`
	EventHash   string          `json:"event_hash"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
//
// From and To are mandatory and bracket the received_at column, enabling
// PostgreSQL partition pruning. Limit defaults to 100 when <= 0. A nil Kind
// means no kind filter is applied. An empty RunID matches all runs.
type EventQuery struct {
	RunID  string
	Kind   *EventKind
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
