package rest

import (
	"context"
	"time"

	"github.com/pacfix/triagecore/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store without
// a live PostgreSQL connection.
type Store interface {
	// QueryEvents returns triage events matching the given filter and
	// pagination params.
	QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.TriageEvent, error)

	// ListRuns returns all registered runs ordered by start time, most
	// recent first.
	ListRuns(ctx context.Context) ([]storage.Run, error)

	// QueryRunStats returns the aggregated event counters for runID.
	QueryRunStats(ctx context.Context, runID string) (*storage.RunStats, error)

	// QueryAuditEntries returns audit entries for runID within [from, to).
	QueryAuditEntries(ctx context.Context, runID string, from, to time.Time) ([]storage.AuditEntry, error)
}
