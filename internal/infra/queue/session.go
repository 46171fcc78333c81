package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/domain/run"
	loomerr "loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/utils/id"
)

// stepInsertRetries bounds retries when concurrent writers race on the
// (run_id, idx) unique constraint. A single owner should never race with
// itself, so collisions indicate a reclaim in flight.
const stepInsertRetries = 3

// ExecSession is the per-run execution context over a dedicated pooled
// connection. All writes during execution flow through a lazily-begun
// transaction on this connection; commit points are chosen by the engine
// (step boundaries, spawns, finalization). Advisory locks taken on this
// session's connection live exactly as long as the session.
type ExecSession struct {
	store    *PostgresStore
	conn     *pgxpool.Conn
	runID    string
	workerID string
	logger   logging.Logger

	tx pgx.Tx
}

// NewExecSession wraps a dedicated connection for the execution of runID
// by workerID. The caller owns conn until Close.
func NewExecSession(store *PostgresStore, conn *pgxpool.Conn, runID, workerID string) *ExecSession {
	return &ExecSession{
		store:    store,
		conn:     conn,
		runID:    runID,
		workerID: workerID,
		logger:   store.logger,
	}
}

// Conn exposes the session's dedicated connection, primarily for
// session-scoped advisory locks.
func (s *ExecSession) Conn() *pgxpool.Conn { return s.conn }

// RunID returns the run this session executes.
func (s *ExecSession) RunID() string { return s.runID }

// WorkerID returns the owning worker id.
func (s *ExecSession) WorkerID() string { return s.workerID }

// EnvID returns the environment id stamped onto events.
func (s *ExecSession) EnvID() string { return s.store.envID }

// Tx returns the session's open transaction, beginning one if needed.
// Blueprints use this for their own SQL; they must not commit or roll
// back themselves.
func (s *ExecSession) Tx(ctx context.Context) (pgx.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin execution tx: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// Commit commits the open transaction, if any. A session with no open
// transaction has nothing to commit.
func (s *ExecSession) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return fmt.Errorf("commit execution tx: %w", err)
	}
	return nil
}

// Rollback discards the open transaction, if any. Work inserted since the
// last commit point is lost, which is the crash-consistency contract:
// uncommitted events and steps vanish together.
func (s *ExecSession) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback execution tx: %w", err)
	}
	return nil
}

// Close rolls back any open transaction and returns the connection to the
// pool. Session-scoped advisory locks release with the connection.
func (s *ExecSession) Close(ctx context.Context) {
	if err := s.Rollback(ctx); err != nil {
		s.logger.Warn("session rollback on close failed for run %s: %v", s.runID, err)
	}
	s.conn.Release()
}

// AssertOwnership verifies the worker still holds a live lease, reading
// through the session's transaction.
func (s *ExecSession) AssertOwnership(ctx context.Context) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}
	return assertOwnershipWith(ctx, tx, s.runID, s.workerID)
}

// InsertEvent appends an event inside the session's transaction. It
// becomes durable at the next commit point.
func (s *ExecSession) InsertEvent(ctx context.Context, ev *run.Event) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}
	ev.RunID = s.runID
	return insertEventWith(ctx, tx, s.store.envID, ev)
}

// StartStep records a new RUNNING step at the next free index. The insert
// is uncommitted; the engine commits the step boundary after pairing it
// with its event.
func (s *ExecSession) StartStep(ctx context.Context, name string, kind run.StepKind, inputs run.Document) (*run.Step, error) {
	tx, err := s.Tx(ctx)
	if err != nil {
		return nil, err
	}
	if err := assertOwnershipWith(ctx, tx, s.runID, s.workerID); err != nil {
		return nil, err
	}

	inputsJSON, err := marshalDoc(inputs, false)
	if err != nil {
		return nil, fmt.Errorf("marshal step inputs: %w", err)
	}

	// Each attempt runs under a savepoint: a unique violation on
	// (run_id, idx) would otherwise abort the whole execution transaction.
	var lastErr error
	for attempt := 0; attempt < stepInsertRetries; attempt++ {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("step savepoint: %w", err)
		}

		var idx int
		if err := sp.QueryRow(ctx,
			`SELECT COUNT(*) FROM steps WHERE run_id = $1`, s.runID,
		).Scan(&idx); err != nil {
			_ = sp.Rollback(ctx)
			return nil, fmt.Errorf("count steps: %w", err)
		}

		row := sp.QueryRow(ctx,
			`INSERT INTO steps (id, run_id, name, idx, kind, status, inputs, created_at, started_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
			 RETURNING `+stepColumns,
			id.NewStepID(), s.runID, name, idx, string(kind), string(run.StepRunning), inputsJSON,
		)
		st, err := scanStep(row)
		if err == nil {
			if err := sp.Commit(ctx); err != nil {
				return nil, fmt.Errorf("release step savepoint: %w", err)
			}
			return st, nil
		}

		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return nil, fmt.Errorf("rollback step savepoint: %w", rbErr)
		}
		if !loomerr.IsUniqueViolation(err, "uq_steps_run_idx") {
			return nil, fmt.Errorf("insert step %q: %w", name, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("insert step %q: index contention persisted: %w", name, lastErr)
}

// FinishStep transitions a step to its terminal status with outputs or a
// structured error. Uncommitted until the step boundary commits.
func (s *ExecSession) FinishStep(ctx context.Context, stepID string, status run.StepStatus, outputs, stepErr run.Document) error {
	tx, err := s.Tx(ctx)
	if err != nil {
		return err
	}

	outputsJSON, err := marshalDoc(outputs, false)
	if err != nil {
		return fmt.Errorf("marshal step outputs: %w", err)
	}
	errJSON, err := marshalDoc(stepErr, false)
	if err != nil {
		return fmt.Errorf("marshal step error: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE steps
		 SET status = $1, outputs = $2, error = $3, completed_at = NOW()
		 WHERE id = $4`,
		string(status), outputsJSON, errJSON, stepID,
	)
	if err != nil {
		return fmt.Errorf("finish step: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("finish step: step %s not found", stepID)
	}
	return nil
}

// LookupChild returns the existing child run for (parent, childKey), or
// nil when no edge exists. Reads through the session's transaction so a
// child spawned earlier in this execution is visible.
func (s *ExecSession) LookupChild(ctx context.Context, childKey string) (*run.Run, error) {
	tx, err := s.Tx(ctx)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx,
		`SELECT `+runColumnsPrefixed+`
		 FROM run_edges e JOIN runs r ON r.id = e.child_run_id
		 WHERE e.parent_run_id = $1 AND e.child_key = $2`,
		s.runID, childKey,
	)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup child by key: %w", err)
	}
	return r, nil
}

// SpawnChild inserts a child run plus its DAG edge in the session's
// transaction and commits, making the spawn durable. When childKey is set
// and another writer won the (parent, child_key) race, the local insert is
// rolled back and the winner is returned with created=false.
//
// Committing here also makes all work since the previous commit point
// durable, which is required: a spawned child must never outlive a parent
// state that forgot spawning it.
func (s *ExecSession) SpawnChild(ctx context.Context, spec run.EnqueueSpec, childKey string) (child *run.Run, created bool, err error) {
	if childKey != "" {
		existing, err := s.LookupChild(ctx, childKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	tx, err := s.Tx(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := assertOwnershipWith(ctx, tx, s.runID, s.workerID); err != nil {
		return nil, false, err
	}

	spec.ParentRunID = s.runID
	child, err = enqueueWith(ctx, tx, spec)
	if err == nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO run_edges (id, parent_run_id, child_run_id, relation, child_key, created_at)
			 VALUES ($1, $2, $3, 'child', NULLIF($4, ''), NOW())`,
			id.NewEdgeID(), s.runID, child.ID, childKey,
		)
	}
	if err != nil {
		if childKey != "" && loomerr.IsUniqueViolation(err, "uq_run_edges_parent_child_key") {
			// Lost the idempotency race. Discard our insert and adopt the
			// committed winner.
			if rbErr := s.Rollback(ctx); rbErr != nil {
				return nil, false, rbErr
			}
			winner, lookupErr := s.lookupChildCommitted(ctx, childKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			if winner == nil {
				return nil, false, fmt.Errorf("spawn child %q: unique violation but no winner edge found", childKey)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("spawn child: %w", err)
	}

	if err := s.Commit(ctx); err != nil {
		return nil, false, err
	}
	return child, true, nil
}

// lookupChildCommitted reads the winning edge pool-side, outside any
// session transaction state.
func (s *ExecSession) lookupChildCommitted(ctx context.Context, childKey string) (*run.Run, error) {
	row := s.store.pool.QueryRow(ctx,
		`SELECT `+runColumnsPrefixed+`
		 FROM run_edges e JOIN runs r ON r.id = e.child_run_id
		 WHERE e.parent_run_id = $1 AND e.child_key = $2`,
		s.runID, childKey,
	)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup committed child: %w", err)
	}
	return r, nil
}

// FinalizeSuccess CAS-transitions the run to COMPLETED inside the open
// transaction and commits, so the terminal flip and the run's last
// uncommitted work land atomically. Returns false when the guard matched
// zero rows: the lease was lost or the run was cancelled, and nothing was
// committed.
func (s *ExecSession) FinalizeSuccess(ctx context.Context, outputs run.Document) (bool, error) {
	tx, err := s.Tx(ctx)
	if err != nil {
		return false, err
	}
	outputsJSON, err := marshalDoc(outputs, false)
	if err != nil {
		return false, fmt.Errorf("marshal outputs: %w", err)
	}

	tag, err := tx.Exec(ctx, finalizeSQL(string(run.StatusCompleted)),
		outputsJSON, s.runID, s.workerID)
	if err != nil {
		return false, fmt.Errorf("finalize completed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			return false, rbErr
		}
		return false, nil
	}
	if err := s.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// FinalizeFailure rolls back any uncommitted work, then CAS-transitions
// the run to FAILED in autocommit mode on the session connection. Returns
// false when ownership was lost.
func (s *ExecSession) FinalizeFailure(ctx context.Context, errDoc run.Document) (bool, error) {
	if err := s.Rollback(ctx); err != nil {
		return false, err
	}
	errJSON, err := marshalDoc(errDoc, false)
	if err != nil {
		return false, fmt.Errorf("marshal error document: %w", err)
	}

	tag, err := s.conn.Exec(ctx, finalizeSQL(string(run.StatusFailed)),
		errJSON, s.runID, s.workerID)
	if err != nil {
		return false, fmt.Errorf("finalize failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// finalizeSQL builds the guarded terminal update. The guard re-checks
// status, owner, and a live lease; a reclaimed or cancelled run matches
// zero rows and the caller drops its result.
func finalizeSQL(status string) string {
	column := "outputs"
	if status == string(run.StatusFailed) {
		column = "error"
	}
	return fmt.Sprintf(
		`UPDATE runs
		 SET status = '%s', %s = $1, completed_at = NOW(),
		     locked_by = NULL, locked_at = NULL, lease_expires_at = NULL
		 WHERE id = $2 AND status = 'RUNNING' AND locked_by = $3
		   AND lease_expires_at IS NOT NULL AND lease_expires_at > NOW()`,
		status, column)
}

// EmitCommitted appends an event pool-side, committed immediately. The
// engine uses this for terminal lifecycle events after the execution
// transaction is gone.
func (s *ExecSession) EmitCommitted(ctx context.Context, ev *run.Event) error {
	ev.RunID = s.runID
	return insertEventWith(ctx, s.store.pool, s.store.envID, ev)
}
