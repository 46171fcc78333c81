package queue

import (
	"context"
	"fmt"
)

// EnsureSchema creates the queue tables and indexes if they do not exist.
// Statuses are stored as TEXT; the application enforces the transition
// rules via compare-and-swap updates.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
    id               UUID PRIMARY KEY,
    name             TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'QUEUED',
    actor            TEXT NOT NULL DEFAULT 'system',
    correlation_id   TEXT NOT NULL,
    inputs           JSONB NOT NULL DEFAULT '{}'::jsonb,
    outputs          JSONB,
    error            JSONB,
    priority         INTEGER NOT NULL DEFAULT 100,
    run_at           TIMESTAMPTZ,
    attempt          INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER,
    parent_run_id    UUID,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    queued_at        TIMESTAMPTZ,
    locked_at        TIMESTAMPTZ,
    locked_by        TEXT,
    lease_expires_at TIMESTAMPTZ,
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ
)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_status ON runs (status)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_run_at ON runs (run_at)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_queued_at ON runs (queued_at)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_lease_expires_at ON runs (lease_expires_at)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_priority_run_at ON runs (priority, run_at)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_created_at ON runs (created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_correlation_id ON runs (correlation_id)`,

		`CREATE TABLE IF NOT EXISTS steps (
    id               UUID PRIMARY KEY,
    run_id           UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    name             TEXT NOT NULL,
    idx              INTEGER NOT NULL,
    kind             TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'CREATED',
    inputs           JSONB,
    outputs          JSONB,
    error            JSONB,
    logs_artifact_id UUID,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ,
    CONSTRAINT uq_steps_run_idx UNIQUE (run_id, idx)
)`,
		`CREATE INDEX IF NOT EXISTS ix_steps_run_id ON steps (run_id)`,
		`CREATE INDEX IF NOT EXISTS ix_steps_status ON steps (status)`,

		`CREATE TABLE IF NOT EXISTS events (
    id             UUID PRIMARY KEY,
    event_name     TEXT NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    env_id         TEXT NOT NULL DEFAULT 'local-dev',
    actor          TEXT NOT NULL DEFAULT 'system',
    correlation_id TEXT,
    run_id         UUID REFERENCES runs(id) ON DELETE SET NULL,
    step_id        UUID REFERENCES steps(id) ON DELETE SET NULL,
    resource_type  TEXT,
    resource_id    TEXT,
    data           JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
		`CREATE INDEX IF NOT EXISTS ix_events_event_name ON events (event_name)`,
		`CREATE INDEX IF NOT EXISTS ix_events_occurred_at ON events (occurred_at)`,
		`CREATE INDEX IF NOT EXISTS ix_events_run_id ON events (run_id)`,
		`CREATE INDEX IF NOT EXISTS ix_events_correlation_id ON events (correlation_id)`,

		`CREATE TABLE IF NOT EXISTS run_edges (
    id            UUID PRIMARY KEY,
    parent_run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    child_run_id  UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    relation      TEXT NOT NULL DEFAULT 'child',
    child_key     TEXT,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_run_edges_parent_child UNIQUE (parent_run_id, child_run_id)
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_run_edges_parent_child_key
    ON run_edges (parent_run_id, child_key) WHERE child_key IS NOT NULL`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure queue schema: %w", err)
		}
	}
	return nil
}
