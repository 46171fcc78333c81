// Package run defines the domain types for the durable run queue: runs,
// steps, events, and the parent/child DAG edges between runs.
package run

import "time"

// Status represents the lifecycle of a run.
type Status string

const (
	// StatusCreated is a legacy pre-queue status. It is accepted by the
	// cancel endpoint for compatibility but is never claimable.
	StatusCreated   Status = "CREATED"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether a run status can never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle of a step.
type StepStatus string

const (
	StepCreated   StepStatus = "CREATED"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepKind classifies what a step does.
type StepKind string

const (
	KindActionTask StepKind = "action_task"
	KindAgentTask  StepKind = "agent_task"
	KindGate       StepKind = "gate"
	KindTransform  StepKind = "transform"
)

// Document is an opaque JSON object. The queue never interprets its
// contents; blueprints impose their own schemas.
type Document map[string]any

// Run is one enqueued execution of a named blueprint.
type Run struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         Status     `json:"status"`
	Actor          string     `json:"actor"`
	CorrelationID  string     `json:"correlation_id"`
	Inputs         Document   `json:"inputs"`
	Outputs        Document   `json:"outputs,omitempty"`
	Error          Document   `json:"error,omitempty"`
	Priority       int        `json:"priority"`
	RunAt          *time.Time `json:"run_at,omitempty"`
	Attempt        int        `json:"attempt"`
	MaxAttempts    *int       `json:"max_attempts,omitempty"`
	ParentRunID    string     `json:"parent_run_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Step is an atomic unit of work within a run. Indexes within a run form a
// contiguous prefix starting at 0.
type Step struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	Name           string     `json:"name"`
	Idx            int        `json:"idx"`
	Kind           StepKind   `json:"kind"`
	Status         StepStatus `json:"status"`
	Inputs         Document   `json:"inputs,omitempty"`
	Outputs        Document   `json:"outputs,omitempty"`
	Error          Document   `json:"error,omitempty"`
	LogsArtifactID string     `json:"logs_artifact_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Event is an append-only audit record. Events are immutable once written.
type Event struct {
	ID            string    `json:"id"`
	EventName     string    `json:"event_name"`
	OccurredAt    time.Time `json:"occurred_at"`
	EnvID         string    `json:"env_id"`
	Actor         string    `json:"actor"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	StepID        string    `json:"step_id,omitempty"`
	ResourceType  string    `json:"resource_type,omitempty"`
	ResourceID    string    `json:"resource_id,omitempty"`
	Data          Document  `json:"data"`
}

// Edge records a parent/child DAG relationship. ChildKey, when set, makes
// spawning idempotent: (parent_run_id, child_key) is unique.
type Edge struct {
	ID          string    `json:"id"`
	ParentRunID string    `json:"parent_run_id"`
	ChildRunID  string    `json:"child_run_id"`
	Relation    string    `json:"relation"`
	ChildKey    string    `json:"child_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// EnqueueSpec describes a run to enqueue.
type EnqueueSpec struct {
	Name          string
	Inputs        Document
	Actor         string
	CorrelationID string
	RunAt         *time.Time
	Priority      int
	MaxAttempts   *int
	ParentRunID   string
}

// DefaultPriority is the normal priority band. Lower is more urgent:
// 0-9 critical, 10-49 high, 50-100 normal, >=200 background.
const DefaultPriority = 100

// StatusRow is the minimal (id, status) projection read by waiters.
type StatusRow struct {
	ID     string
	Status Status
}

// ListFilter selects runs for listing. Cursor paging is keyed by
// (created_at DESC, id DESC).
type ListFilter struct {
	Status        Status
	Name          string
	CorrelationID string
	ParentRunID   string
	Limit         int
	CursorCreated *time.Time
	CursorID      string
}

// EventFilter selects events for listing.
type EventFilter struct {
	RunID         string
	StepID        string
	EventName     string
	CorrelationID string
	Limit         int
}

// QueueStats is one rollup snapshot of queue health, produced by the
// metrics collector on every tick.
type QueueStats struct {
	DepthByStatus           map[Status]int64
	ReadyDepth              int64
	FutureDepth             int64
	OldestReadySeconds      float64
	RunningWithExpiredLease int64
	RunningWithActiveLease  int64
}
