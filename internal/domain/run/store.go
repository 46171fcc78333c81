package run

import (
	"context"
	"time"
)

// Store is the persistence port for the run queue. The HTTP surface and the
// worker supervisor depend on this interface; the engine's transactional
// choreography additionally uses the Postgres session type directly.
type Store interface {
	// EnsureSchema creates the queue tables and indexes if they do not exist.
	EnsureSchema(ctx context.Context) error

	// Enqueue inserts a QUEUED run, generating id and correlation id as
	// needed, and returns the stored row.
	Enqueue(ctx context.Context, spec EnqueueSpec) (*Run, error)

	// Claim atomically claims one eligible run for workerID with a lease,
	// or returns nil when no work is available.
	Claim(ctx context.Context, workerID string, batchSize int, lease time.Duration) (*Run, error)

	// RenewLease extends the lease on a RUNNING run owned by workerID.
	// Returns false when ownership has been lost.
	RenewLease(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error)

	// AssertOwnership verifies workerID still holds a live lease on runID.
	AssertOwnership(ctx context.Context, runID, workerID string) error

	// Cancel CAS-transitions a run to CANCELLED from CREATED, QUEUED, or
	// RUNNING. Returns the updated run, or nil when the transition was
	// rejected (already terminal).
	Cancel(ctx context.Context, runID string) (*Run, error)

	// GetRun loads one run by id.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter ListFilter) ([]Run, error)

	// ListSteps returns the steps of a run ordered by idx.
	ListSteps(ctx context.Context, runID string) ([]Step, error)

	// ListEvents returns events matching the filter in commit order.
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)

	// ReadStatuses reads the (id, status) projection for the given runs.
	// Waiters call this on every poll with a fresh connection.
	ReadStatuses(ctx context.Context, runIDs []string) ([]StatusRow, error)

	// InsertEvent appends one event, committed immediately.
	InsertEvent(ctx context.Context, ev *Event) error

	// CollectStats runs the indexed queue rollups.
	CollectStats(ctx context.Context) (*QueueStats, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error
}
