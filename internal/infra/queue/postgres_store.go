// Package queue provides the Postgres-backed run queue: durable run rows,
// the atomic claim/lease protocol, step and event recording, and the DAG
// edges used for parent/child orchestration.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/domain/run"
	loomerr "loom/internal/errors"
	"loom/internal/logging"
	"loom/internal/utils/id"
)

// PostgresStore implements run.Store backed by Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	envID  string
	logger logging.Logger
}

var _ run.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed run queue store. envID is
// stamped onto emitted events; it defaults to "local-dev".
func NewPostgresStore(pool *pgxpool.Pool, envID string, logger logging.Logger) *PostgresStore {
	if envID == "" {
		envID = "local-dev"
	}
	return &PostgresStore{
		pool:   pool,
		envID:  envID,
		logger: logging.OrNop(logger),
	}
}

// Pool exposes the underlying pool for callers that need ephemeral
// connections (lease renewal, metrics, waiters).
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// EnvID returns the environment id stamped onto events.
func (s *PostgresStore) EnvID() string { return s.envID }

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Acquire checks out a dedicated connection for an execution session.
func (s *PostgresStore) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return s.pool.Acquire(ctx)
}

const runColumns = `id, name, status, actor, correlation_id, inputs, outputs, error,
    priority, run_at, attempt, max_attempts, parent_run_id, created_at, queued_at,
    locked_at, locked_by, lease_expires_at, started_at, completed_at`

// Enqueue inserts a new QUEUED run. Id and correlation id are generated
// when absent; priority defaults to the normal band.
func (s *PostgresStore) Enqueue(ctx context.Context, spec run.EnqueueSpec) (*run.Run, error) {
	return enqueueWith(ctx, s.pool, spec)
}

// enqueueWith inserts the run using q, which may be a pool, a connection,
// or an open transaction (spawn uses the parent's transaction so child and
// edge commit atomically).
func enqueueWith(ctx context.Context, q Querier, spec run.EnqueueSpec) (*run.Run, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("enqueue: blueprint name is required")
	}
	actor := spec.Actor
	if actor == "" {
		actor = "system"
	}
	correlationID := spec.CorrelationID
	if correlationID == "" {
		correlationID = id.NewCorrelationID()
	}
	priority := spec.Priority
	if priority == 0 {
		priority = run.DefaultPriority
	}

	now := time.Now().UTC()
	runAt := spec.RunAt
	if runAt == nil {
		runAt = &now
	}

	inputsJSON, err := marshalDoc(spec.Inputs, true)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}

	row := q.QueryRow(ctx,
		`INSERT INTO runs (id, name, status, actor, correlation_id, inputs, priority,
		     run_at, attempt, max_attempts, parent_run_id, created_at, queued_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, NULLIF($10, '')::uuid, $11, $11)
		 RETURNING `+runColumns,
		id.NewRunID(), spec.Name, string(run.StatusQueued), actor, correlationID,
		inputsJSON, priority, runAt, spec.MaxAttempts, spec.ParentRunID, now,
	)
	return scanRun(row)
}

// claimSQL selects one eligible run and transitions it to RUNNING in a
// single statement. Candidates are QUEUED rows whose ready time has passed,
// or RUNNING rows whose lease expired (crash reclaim). Expired leases sort
// before fresh QUEUED work at equal priority so zombies clear quickly.
const claimSQL = `
WITH candidate AS (
  SELECT id
  FROM runs
  WHERE
    (status = 'QUEUED' AND COALESCE(run_at, queued_at, created_at, NOW()) <= NOW())
    OR
    (status = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at < NOW())
  ORDER BY
    priority ASC,
    CASE WHEN status = 'RUNNING' THEN 0 ELSE 1 END,
    run_at ASC NULLS LAST,
    queued_at ASC NULLS LAST,
    created_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT $1
)
UPDATE runs r
SET
  status = 'RUNNING',
  locked_at = NOW(),
  locked_by = $2,
  lease_expires_at = NOW() + make_interval(secs => $3),
  started_at = COALESCE(r.started_at, NOW())
FROM candidate
WHERE r.id = candidate.id
RETURNING ` + runColumnsPrefixed

const runColumnsPrefixed = `r.id, r.name, r.status, r.actor, r.correlation_id, r.inputs,
    r.outputs, r.error, r.priority, r.run_at, r.attempt, r.max_attempts, r.parent_run_id,
    r.created_at, r.queued_at, r.locked_at, r.locked_by, r.lease_expires_at, r.started_at,
    r.completed_at`

// Claim atomically claims one eligible run for workerID, granting a lease.
// Returns nil when no work is available. At most one worker can claim a
// given run: selection locks the row with SKIP LOCKED and the update is
// part of the same statement.
func (s *PostgresStore) Claim(ctx context.Context, workerID string, batchSize int, lease time.Duration) (*run.Run, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	rows, err := s.pool.Query(ctx, claimSQL, batchSize, workerID, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer rows.Close()

	claimed, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	r := &claimed[0]
	s.logger.Info("claimed run %s (blueprint=%s, correlation_id=%s)", r.ID, r.Name, r.CorrelationID)
	return r, nil
}

// RenewLease extends the lease on a RUNNING run still owned by workerID.
// Zero affected rows means ownership was lost to a reclaim.
func (s *PostgresStore) RenewLease(ctx context.Context, runID, workerID string, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs
		 SET lease_expires_at = NOW() + make_interval(secs => $1)
		 WHERE id = $2 AND status = 'RUNNING' AND locked_by = $3`,
		lease.Seconds(), runID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AssertOwnership verifies workerID still holds a live lease on runID.
func (s *PostgresStore) AssertOwnership(ctx context.Context, runID, workerID string) error {
	return assertOwnershipWith(ctx, s.pool, runID, workerID)
}

func assertOwnershipWith(ctx context.Context, q Querier, runID, workerID string) error {
	var one int
	err := q.QueryRow(ctx,
		`SELECT 1 FROM runs
		 WHERE id = $1 AND status = 'RUNNING' AND locked_by = $2
		   AND lease_expires_at IS NOT NULL AND lease_expires_at > NOW()`,
		runID, workerID,
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("worker %s run %s: %w", workerID, runID, loomerr.ErrLostLease)
	}
	if err != nil {
		return fmt.Errorf("assert ownership: %w", err)
	}
	return nil
}

// Cancel CAS-transitions a run to CANCELLED from CREATED, QUEUED, or
// RUNNING. A RUNNING run's owner discovers the cancellation when its
// finalize CAS affects zero rows. Returns nil when already terminal.
func (s *PostgresStore) Cancel(ctx context.Context, runID string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE runs
		 SET status = 'CANCELLED', completed_at = NOW()
		 WHERE id = $1 AND status IN ('CREATED', 'QUEUED', 'RUNNING')
		 RETURNING `+runColumns,
		runID,
	)
	r, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	return r, nil
}

// GetRun loads one run by id.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs matching the filter, newest first, with cursor
// paging keyed by (created_at DESC, id DESC).
func (s *PostgresStore) ListRuns(ctx context.Context, filter run.ListFilter) ([]run.Run, error) {
	sql := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, val any) {
		n++
		args = append(args, val)
		sql += fmt.Sprintf(clause, n)
	}

	if filter.Status != "" {
		add(` AND status = $%d`, string(filter.Status))
	}
	if filter.Name != "" {
		add(` AND name = $%d`, filter.Name)
	}
	if filter.CorrelationID != "" {
		add(` AND correlation_id = $%d`, filter.CorrelationID)
	}
	if filter.ParentRunID != "" {
		add(` AND parent_run_id = $%d`, filter.ParentRunID)
	}
	if filter.CursorCreated != nil && filter.CursorID != "" {
		n++
		args = append(args, *filter.CursorCreated)
		n++
		args = append(args, filter.CursorID)
		sql += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d::uuid)`, n-1, n)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	n++
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, n)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

const stepColumns = `id, run_id, name, idx, kind, status, inputs, outputs, error,
    logs_artifact_id, created_at, started_at, completed_at`

// ListSteps returns the steps of a run ordered by idx.
func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]run.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY idx ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	return scanSteps(rows)
}

const eventColumns = `id, event_name, occurred_at, env_id, actor, correlation_id,
    run_id, step_id, resource_type, resource_id, data`

// ListEvents returns events matching the filter ordered by occurrence.
func (s *PostgresStore) ListEvents(ctx context.Context, filter run.EventFilter) ([]run.Event, error) {
	sql := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, val any) {
		n++
		args = append(args, val)
		sql += fmt.Sprintf(clause, n)
	}

	if filter.RunID != "" {
		add(` AND run_id = $%d`, filter.RunID)
	}
	if filter.StepID != "" {
		add(` AND step_id = $%d`, filter.StepID)
	}
	if filter.EventName != "" {
		add(` AND event_name = $%d`, filter.EventName)
	}
	if filter.CorrelationID != "" {
		add(` AND correlation_id = $%d`, filter.CorrelationID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	n++
	args = append(args, limit)
	sql += fmt.Sprintf(` ORDER BY occurred_at ASC, id ASC LIMIT $%d`, n)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadStatuses reads the minimal (id, status) projection for the given
// runs. Callers poll this on a pool connection so each read sees the
// latest committed state.
func (s *PostgresStore) ReadStatuses(ctx context.Context, runIDs []string) ([]run.StatusRow, error) {
	if len(runIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, status FROM runs WHERE id = ANY($1::uuid[])`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("read statuses: %w", err)
	}
	defer rows.Close()

	var out []run.StatusRow
	for rows.Next() {
		var sr run.StatusRow
		if err := rows.Scan(&sr.ID, &sr.Status); err != nil {
			return nil, fmt.Errorf("scan status row: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// InsertEvent appends one event, committed immediately.
func (s *PostgresStore) InsertEvent(ctx context.Context, ev *run.Event) error {
	return insertEventWith(ctx, s.pool, s.envID, ev)
}

func insertEventWith(ctx context.Context, q Querier, envID string, ev *run.Event) error {
	if ev.ID == "" {
		ev.ID = id.NewEventID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.EnvID == "" {
		ev.EnvID = envID
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	dataJSON, err := marshalDoc(ev.Data, true)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = q.Exec(ctx,
		`INSERT INTO events (id, event_name, occurred_at, env_id, actor, correlation_id,
		     run_id, step_id, resource_type, resource_id, data)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, '')::uuid,
		         NULLIF($8, '')::uuid, NULLIF($9, ''), NULLIF($10, ''), $11)`,
		ev.ID, ev.EventName, ev.OccurredAt, ev.EnvID, ev.Actor, ev.CorrelationID,
		ev.RunID, ev.StepID, ev.ResourceType, ev.ResourceID, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventName, err)
	}
	return nil
}

// CollectStats executes the indexed queue rollups in one round of cheap
// queries. It never writes.
func (s *PostgresStore) CollectStats(ctx context.Context) (*run.QueueStats, error) {
	stats := &run.QueueStats{DepthByStatus: make(map[run.Status]int64)}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*)::bigint FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue depth rollup: %w", err)
	}
	for rows.Next() {
		var status run.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan depth row: %w", err)
		}
		stats.DepthByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'QUEUED' AND COALESCE(run_at, queued_at, created_at) <= NOW()),
		   COUNT(*) FILTER (WHERE status = 'QUEUED' AND run_at > NOW())
		 FROM runs`,
	).Scan(&stats.ReadyDepth, &stats.FutureDepth)
	if err != nil {
		return nil, fmt.Errorf("ready/future rollup: %w", err)
	}

	var age *float64
	err = s.pool.QueryRow(ctx,
		`SELECT EXTRACT(EPOCH FROM (NOW() - MIN(queued_at)))::double precision
		 FROM runs
		 WHERE status = 'QUEUED' AND COALESCE(run_at, queued_at, created_at) <= NOW()`,
	).Scan(&age)
	if err != nil {
		return nil, fmt.Errorf("oldest ready rollup: %w", err)
	}
	if age != nil {
		stats.OldestReadySeconds = *age
	}

	err = s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE lease_expires_at < NOW()),
		   COUNT(*) FILTER (WHERE lease_expires_at >= NOW())
		 FROM runs
		 WHERE status = 'RUNNING' AND lease_expires_at IS NOT NULL`,
	).Scan(&stats.RunningWithExpiredLease, &stats.RunningWithActiveLease)
	if err != nil {
		return nil, fmt.Errorf("lease health rollup: %w", err)
	}

	return stats, nil
}

// --- scanning helpers ---

func scanRun(row pgx.Row) (*run.Run, error) {
	var r run.Run
	var inputsJSON, outputsJSON, errorJSON []byte
	var lockedBy, parentRunID *string
	var maxAttempts *int

	err := row.Scan(
		&r.ID, &r.Name, &r.Status, &r.Actor, &r.CorrelationID,
		&inputsJSON, &outputsJSON, &errorJSON,
		&r.Priority, &r.RunAt, &r.Attempt, &maxAttempts, &parentRunID,
		&r.CreatedAt, &r.QueuedAt, &r.LockedAt, &lockedBy,
		&r.LeaseExpiresAt, &r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	r.MaxAttempts = maxAttempts
	if lockedBy != nil {
		r.LockedBy = *lockedBy
	}
	if parentRunID != nil {
		r.ParentRunID = *parentRunID
	}
	if r.Inputs, err = unmarshalDoc(inputsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if r.Outputs, err = unmarshalDoc(outputsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if r.Error, err = unmarshalDoc(errorJSON); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	return &r, nil
}

func scanRuns(rows pgx.Rows) ([]run.Run, error) {
	var out []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanStep(row pgx.Row) (*run.Step, error) {
	var st run.Step
	var inputsJSON, outputsJSON, errorJSON []byte
	var logsArtifactID *string

	err := row.Scan(
		&st.ID, &st.RunID, &st.Name, &st.Idx, &st.Kind, &st.Status,
		&inputsJSON, &outputsJSON, &errorJSON, &logsArtifactID,
		&st.CreatedAt, &st.StartedAt, &st.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if logsArtifactID != nil {
		st.LogsArtifactID = *logsArtifactID
	}
	if st.Inputs, err = unmarshalDoc(inputsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal step inputs: %w", err)
	}
	if st.Outputs, err = unmarshalDoc(outputsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal step outputs: %w", err)
	}
	if st.Error, err = unmarshalDoc(errorJSON); err != nil {
		return nil, fmt.Errorf("unmarshal step error: %w", err)
	}
	return &st, nil
}

func scanSteps(rows pgx.Rows) ([]run.Step, error) {
	var out []run.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]run.Event, error) {
	var out []run.Event
	for rows.Next() {
		var ev run.Event
		var dataJSON []byte
		var correlationID, runID, stepID, resourceType, resourceID *string

		err := rows.Scan(
			&ev.ID, &ev.EventName, &ev.OccurredAt, &ev.EnvID, &ev.Actor,
			&correlationID, &runID, &stepID, &resourceType, &resourceID, &dataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		if correlationID != nil {
			ev.CorrelationID = *correlationID
		}
		if runID != nil {
			ev.RunID = *runID
		}
		if stepID != nil {
			ev.StepID = *stepID
		}
		if resourceType != nil {
			ev.ResourceType = *resourceType
		}
		if resourceID != nil {
			ev.ResourceID = *resourceID
		}
		if ev.Data, err = unmarshalDoc(dataJSON); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// marshalDoc encodes an opaque document for a jsonb column. When required
// is true a nil document encodes as {}; otherwise nil maps to SQL NULL.
func marshalDoc(d run.Document, required bool) ([]byte, error) {
	if d == nil {
		if required {
			return []byte("{}"), nil
		}
		return nil, nil
	}
	return json.Marshal(d)
}

func unmarshalDoc(raw []byte) (run.Document, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var d run.Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}
