package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"loom/internal/domain/run"
	loomerr "loom/internal/errors"
	"loom/internal/infra/advisory"
	"loom/internal/infra/queue"
	"loom/internal/logging"
)

// Wait policies for WaitRuns.
const (
	// WaitAll succeeds when every child completes; it fails fast on the
	// first FAILED or CANCELLED child.
	WaitAll = "all"
	// WaitAny succeeds on the first COMPLETED child; it fails only when
	// every child is terminal without a success.
	WaitAny = "any"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	pollBackoffAfter    = 10 * time.Second
	pollBackoffFactor   = 1.25
	maxPollInterval     = 2 * time.Second
	progressThrottle    = 2 * time.Second
	pollJitterMax       = 100 * time.Millisecond
)

// RunContext is the API surface handed to blueprints. It wraps the
// execution session and exposes durable steps, events, child spawning,
// waiting, and session-scoped advisory locks.
type RunContext struct {
	session *queue.ExecSession
	store   *queue.PostgresStore
	run     *run.Run
	locker  *advisory.Locker
	logger  logging.Logger

	currentStep        *run.Step
	lastProgressCommit time.Time
}

// NewRunContext builds the context for one execution. The executor owns
// the session lifecycle.
func NewRunContext(session *queue.ExecSession, store *queue.PostgresStore, r *run.Run, logger logging.Logger) *RunContext {
	return &RunContext{
		session: session,
		store:   store,
		run:     r,
		locker:  advisory.NewLocker(session.Conn(), logger),
		logger:  logging.OrNop(logger),
	}
}

// RunID returns the executing run's id.
func (rc *RunContext) RunID() string { return rc.run.ID }

// CorrelationID returns the run's correlation id, propagated onto every
// event and spawned child.
func (rc *RunContext) CorrelationID() string { return rc.run.CorrelationID }

// Run returns the claimed run row as of claim time.
func (rc *RunContext) Run() *run.Run { return rc.run }

// Logger returns the execution logger.
func (rc *RunContext) Logger() logging.Logger { return rc.logger }

// Session exposes the underlying execution session for advanced callers
// such as pack installers that need claim-and-finalize writes.
func (rc *RunContext) Session() *queue.ExecSession { return rc.session }

// Tx returns the open execution transaction for blueprint SQL. The engine
// owns commit points; blueprints must not commit or roll back.
func (rc *RunContext) Tx(ctx context.Context) (queue.Querier, error) {
	tx, err := rc.session.Tx(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// AdvisoryLocker returns the locker bound to this execution's connection.
// Locks acquired through it are released when the execution ends.
func (rc *RunContext) AdvisoryLocker() *advisory.Locker { return rc.locker }

// AssertOwnership re-verifies the lease mid-execution. Long loops call
// this so a reclaimed run stops promptly instead of racing its reclaimer.
func (rc *RunContext) AssertOwnership(ctx context.Context) error {
	return rc.session.AssertOwnership(ctx)
}

// StepHandle carries mutable step state through a step closure.
type StepHandle struct {
	Step    *run.Step
	outputs run.Document
}

// SetOutputs records the step's outputs document.
func (h *StepHandle) SetOutputs(outputs run.Document) { h.outputs = outputs }

// Step runs fn as a durable step. The step row and its step.started event
// commit before fn runs; the terminal status, outputs or error, and the
// matching event commit after. Both boundaries are commit points, so all
// work since the previous boundary becomes durable with the step record.
//
// A step failure is recorded durably and then returned, failing the run.
func (rc *RunContext) Step(ctx context.Context, name string, kind run.StepKind, inputs run.Document, fn func(ctx context.Context, h *StepHandle) error) (run.Document, error) {
	st, err := rc.session.StartStep(ctx, name, kind, inputs)
	if err != nil {
		return nil, err
	}
	if err := rc.emitStepEvent(ctx, "step.started", st, nil); err != nil {
		return nil, err
	}
	if err := rc.session.Commit(ctx); err != nil {
		return nil, err
	}

	h := &StepHandle{Step: st}
	rc.currentStep = st
	stepErr := fn(ctx, h)
	rc.currentStep = nil

	if stepErr != nil {
		errDoc := errorDocument(stepErr)
		if err := rc.session.FinishStep(ctx, st.ID, run.StepFailed, nil, errDoc); err != nil {
			return nil, err
		}
		if err := rc.emitStepEvent(ctx, "step.failed", st, errDoc); err != nil {
			return nil, err
		}
		if err := rc.session.Commit(ctx); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("step %q: %w", name, stepErr)
	}

	if err := rc.session.FinishStep(ctx, st.ID, run.StepCompleted, h.outputs, nil); err != nil {
		return nil, err
	}
	if err := rc.emitStepEvent(ctx, "step.completed", st, h.outputs); err != nil {
		return nil, err
	}
	if err := rc.session.Commit(ctx); err != nil {
		return nil, err
	}
	return h.outputs, nil
}

func (rc *RunContext) emitStepEvent(ctx context.Context, name string, st *run.Step, data run.Document) error {
	return rc.session.InsertEvent(ctx, &run.Event{
		EventName:     name,
		Actor:         rc.run.Actor,
		CorrelationID: rc.run.CorrelationID,
		StepID:        st.ID,
		Data: run.Document{
			"step_name": st.Name,
			"idx":       st.Idx,
			"kind":      string(st.Kind),
			"payload":   data,
		},
	})
}

// EmitEvent appends a custom event in the execution transaction. It
// becomes durable at the next commit point.
func (rc *RunContext) EmitEvent(ctx context.Context, name string, data run.Document) error {
	return rc.session.InsertEvent(ctx, &run.Event{
		EventName:     name,
		Actor:         rc.run.Actor,
		CorrelationID: rc.run.CorrelationID,
		Data:          data,
	})
}

// EmitProgress appends a progress event and commits at most once per
// throttle window, bounding commit traffic from chatty blueprints while
// keeping observers no more than a couple of seconds behind. Inside a
// step the event is step.progress, scoped to that step; outside any step
// it degrades to run.progress.
func (rc *RunContext) EmitProgress(ctx context.Context, data run.Document) error {
	ev := &run.Event{
		EventName:     "run.progress",
		Actor:         rc.run.Actor,
		CorrelationID: rc.run.CorrelationID,
		Data:          data,
	}
	if st := rc.currentStep; st != nil {
		ev.EventName = "step.progress"
		ev.StepID = st.ID
		ev.Data = run.Document{
			"step_name": st.Name,
			"idx":       st.Idx,
			"kind":      string(st.Kind),
			"payload":   data,
		}
	}
	if err := rc.session.InsertEvent(ctx, ev); err != nil {
		return err
	}
	if time.Since(rc.lastProgressCommit) < progressThrottle {
		return nil
	}
	if err := rc.session.Commit(ctx); err != nil {
		return err
	}
	rc.lastProgressCommit = time.Now()
	return nil
}

// SpawnOption customizes a spawned child run.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	childKey string
	priority int
	runAt    *time.Time
}

// WithChildKey makes the spawn idempotent: repeating the same key under
// the same parent returns the existing child instead of creating another.
func WithChildKey(key string) SpawnOption {
	return func(c *spawnConfig) { c.childKey = key }
}

// WithPriority sets the child's priority band. Lower is more urgent.
func WithPriority(priority int) SpawnOption {
	return func(c *spawnConfig) { c.priority = priority }
}

// WithRunAt delays the child's eligibility until t.
func WithRunAt(t time.Time) SpawnOption {
	return func(c *spawnConfig) { c.runAt = &t }
}

// SpawnRun enqueues a child run linked to this run by a DAG edge. The
// child inherits the parent's actor and correlation id. Spawning commits;
// when the spawn created a new child a run.spawned event is recorded
// after the commit.
func (rc *RunContext) SpawnRun(ctx context.Context, name string, inputs run.Document, opts ...SpawnOption) (*run.Run, error) {
	cfg := spawnConfig{priority: rc.run.Priority}
	for _, opt := range opts {
		opt(&cfg)
	}

	child, created, err := rc.session.SpawnChild(ctx, run.EnqueueSpec{
		Name:          name,
		Inputs:        inputs,
		Actor:         rc.run.Actor,
		CorrelationID: rc.run.CorrelationID,
		Priority:      cfg.priority,
		RunAt:         cfg.runAt,
	}, cfg.childKey)
	if err != nil {
		return nil, err
	}

	if created {
		ev := &run.Event{
			EventName:     "run.spawned",
			Actor:         rc.run.Actor,
			CorrelationID: rc.run.CorrelationID,
			ResourceType:  "run",
			ResourceID:    child.ID,
			Data: run.Document{
				"child_run_id": child.ID,
				"child_name":   name,
				"child_key":    cfg.childKey,
			},
		}
		if err := rc.session.EmitCommitted(ctx, ev); err != nil {
			// The spawn itself is durable; a missing audit record is
			// logged rather than failing the run.
			rc.logger.Warn("run.spawned event for %s not recorded: %v", child.ID, err)
		}
	}
	return child, nil
}

// WaitOption customizes WaitRuns.
type WaitOption func(*waitConfig)

type waitConfig struct {
	timeout      time.Duration
	pollInterval time.Duration
}

// WithTimeout bounds the wait; expiry returns ErrWaitTimeout.
func WithTimeout(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.timeout = d }
}

// WithPollInterval overrides the initial poll interval.
func WithPollInterval(d time.Duration) WaitOption {
	return func(c *waitConfig) { c.pollInterval = d }
}

// WaitRuns blocks until the child runs satisfy the policy. Statuses are
// read on fresh pool connections so every poll observes the latest
// committed state regardless of the execution transaction. Ownership is
// re-asserted on every poll; losing the lease aborts the wait.
//
// Before the first poll, the open transaction commits: children cannot be
// claimed by other workers while their inserts sit uncommitted, so an
// uncommitted wait would deadlock against its own spawns.
func (rc *RunContext) WaitRuns(ctx context.Context, runIDs []string, policy string, opts ...WaitOption) (map[string]run.Status, error) {
	if len(runIDs) == 0 {
		return map[string]run.Status{}, nil
	}
	switch policy {
	case WaitAll, WaitAny:
	default:
		return nil, fmt.Errorf("wait runs: unknown policy %q", policy)
	}

	cfg := waitConfig{pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := rc.session.Commit(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	interval := cfg.pollInterval
	for {
		if err := rc.store.AssertOwnership(ctx, rc.run.ID, rc.session.WorkerID()); err != nil {
			return nil, err
		}

		statuses, err := rc.store.ReadStatuses(ctx, runIDs)
		if err != nil {
			return nil, err
		}
		result := make(map[string]run.Status, len(statuses))
		for _, sr := range statuses {
			result[sr.ID] = sr.Status
		}

		done, evalErr := evaluateWait(policy, runIDs, result)
		if evalErr != nil {
			return result, evalErr
		}
		if done {
			return result, nil
		}

		if cfg.timeout > 0 && time.Since(start) >= cfg.timeout {
			return result, fmt.Errorf("waited %s for %d run(s): %w",
				cfg.timeout, len(runIDs), loomerr.ErrWaitTimeout)
		}

		settled := 0
		for _, status := range result {
			if status.Terminal() {
				settled++
			}
		}
		if err := rc.EmitProgress(ctx, run.Document{
			"waiting_on": len(runIDs),
			"settled":    settled,
			"policy":     policy,
		}); err != nil {
			return result, err
		}

		sleep := jitteredSleep(interval)
		// Long waits stretch the interval toward the cap to shed poll load.
		if time.Since(start) > pollBackoffAfter {
			interval = time.Duration(float64(interval) * pollBackoffFactor)
			if interval > maxPollInterval {
				interval = maxPollInterval
			}
		}

		select {
		case <-ctx.Done():
			return result, waitAbortError(ctx)
		case <-time.After(sleep):
		}
	}
}

// jitteredSleep adds up to 100ms of flat jitter to the poll interval so
// sibling waiters drift apart instead of polling in lockstep.
func jitteredSleep(interval time.Duration) time.Duration {
	return interval + time.Duration(rand.Float64()*float64(pollJitterMax))
}

// evaluateWait decides whether the wait is satisfied, still pending, or
// failed under the policy. Missing rows count as pending: a just-spawned
// child can trail the read by one poll.
func evaluateWait(policy string, runIDs []string, statuses map[string]run.Status) (bool, error) {
	var failed []string
	completed := 0
	for _, runID := range runIDs {
		switch statuses[runID] {
		case run.StatusCompleted:
			completed++
		case run.StatusFailed, run.StatusCancelled:
			failed = append(failed, runID)
		}
	}

	switch policy {
	case WaitAll:
		if len(failed) > 0 {
			return false, &loomerr.ChildrenFailedError{Policy: WaitAll, FailedIDs: failed}
		}
		return completed == len(runIDs), nil
	case WaitAny:
		if completed > 0 {
			return true, nil
		}
		if len(failed) == len(runIDs) {
			return false, &loomerr.ChildrenFailedError{Policy: WaitAny, FailedIDs: failed}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown wait policy %q", policy)
}

func waitAbortError(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ctx.Err()) {
		return cause
	}
	return ctx.Err()
}
