package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"loom/internal/async"
	"loom/internal/domain/run"
	loomerr "loom/internal/errors"
	"loom/internal/infra/queue"
	"loom/internal/logging"
)

// Executor drives one claimed run from start to terminal state: dedicated
// connection, lease heartbeat, blueprint dispatch, and the guarded
// finalization CAS.
type Executor struct {
	store    *queue.PostgresStore
	registry *Registry
	logger   logging.Logger
	lease    time.Duration
}

// NewExecutor creates an executor. lease is the duration granted at claim
// time; the heartbeat renews at half that period.
func NewExecutor(store *queue.PostgresStore, registry *Registry, lease time.Duration, logger logging.Logger) *Executor {
	if lease <= 0 {
		lease = time.Minute
	}
	return &Executor{
		store:    store,
		registry: registry,
		logger:   logging.OrNop(logger),
		lease:    lease,
	}
}

// Execute runs a claimed run to completion. It returns an error only for
// infrastructure failures the supervisor should know about; blueprint
// failures are recorded on the run and return nil.
func (e *Executor) Execute(ctx context.Context, claimed *run.Run, workerID string) error {
	conn, err := e.store.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire execution connection: %w", err)
	}
	session := queue.NewExecSession(e.store, conn, claimed.ID, workerID)
	defer session.Close(context.WithoutCancel(ctx))

	// The blueprint runs under a context that is cancelled with
	// ErrLostLease the moment a heartbeat discovers the run was reclaimed
	// or cancelled.
	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := e.startHeartbeat(execCtx, cancel, claimed.ID, workerID)
	defer stopHeartbeat()

	rc := NewRunContext(session, e.store, claimed, e.logger)

	if err := session.InsertEvent(execCtx, &run.Event{
		EventName:     "run.started",
		Actor:         claimed.Actor,
		CorrelationID: claimed.CorrelationID,
		Data:          run.Document{"blueprint": claimed.Name, "worker_id": workerID},
	}); err != nil {
		return fmt.Errorf("record run.started: %w", err)
	}

	outputs, blueprintErr := e.dispatch(execCtx, rc, claimed)

	if lostLease(execCtx, blueprintErr) {
		// Someone else owns the run now. Roll back quietly; the new owner
		// rewrites history from the last commit point.
		if rbErr := session.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			e.logger.Warn("rollback after lost lease on run %s: %v", claimed.ID, rbErr)
		}
		e.logger.Warn("lost lease on run %s, dropping result", claimed.ID)
		return nil
	}

	// Finalization must not be interrupted by the heartbeat context.
	finalCtx := context.WithoutCancel(ctx)
	if blueprintErr == nil {
		return e.finalizeSuccess(finalCtx, session, claimed, outputs)
	}
	return e.finalizeFailure(finalCtx, session, claimed, blueprintErr)
}

// dispatch resolves and invokes the blueprint, converting panics into
// errors so a panicking blueprint fails its run instead of the worker.
func (e *Executor) dispatch(ctx context.Context, rc *RunContext, claimed *run.Run) (outputs run.Document, err error) {
	bp, ok := e.registry.Get(claimed.Name)
	if !ok {
		return nil, &loomerr.PermanentError{
			Message: fmt.Sprintf("no blueprint registered for %q", claimed.Name),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("blueprint %s panic: %v, stack: %s", claimed.Name, r, debug.Stack())
			err = fmt.Errorf("blueprint %s panicked: %v", claimed.Name, r)
		}
	}()
	return bp(ctx, rc, claimed.Inputs)
}

func (e *Executor) finalizeSuccess(ctx context.Context, session *queue.ExecSession, claimed *run.Run, outputs run.Document) error {
	ok, err := session.FinalizeSuccess(ctx, outputs)
	if err != nil {
		return fmt.Errorf("finalize run %s: %w", claimed.ID, err)
	}
	if !ok {
		e.logger.Warn("run %s no longer owned at completion, result dropped", claimed.ID)
		return nil
	}
	e.logger.Info("run %s completed (blueprint=%s)", claimed.ID, claimed.Name)
	e.emitTerminal(ctx, session, claimed, "run.completed", run.Document{"blueprint": claimed.Name})
	return nil
}

func (e *Executor) finalizeFailure(ctx context.Context, session *queue.ExecSession, claimed *run.Run, blueprintErr error) error {
	errDoc := errorDocument(blueprintErr)
	ok, err := session.FinalizeFailure(ctx, errDoc)
	if err != nil {
		return fmt.Errorf("finalize failed run %s: %w", claimed.ID, err)
	}
	if !ok {
		e.logger.Warn("run %s no longer owned at failure, result dropped", claimed.ID)
		return nil
	}
	e.logger.Error("run %s failed (blueprint=%s): %v", claimed.ID, claimed.Name, blueprintErr)
	e.emitTerminal(ctx, session, claimed, "run.failed", errDoc)
	return nil
}

// emitTerminal records the terminal lifecycle event pool-side, after the
// run row is already terminal. A failure here loses audit detail, not
// state, so it is logged and swallowed.
func (e *Executor) emitTerminal(ctx context.Context, session *queue.ExecSession, claimed *run.Run, name string, data run.Document) {
	err := session.EmitCommitted(ctx, &run.Event{
		EventName:     name,
		Actor:         claimed.Actor,
		CorrelationID: claimed.CorrelationID,
		Data:          data,
	})
	if err != nil {
		e.logger.Warn("%s event for run %s not recorded: %v", name, claimed.ID, err)
	}
}

// startHeartbeat renews the lease at half its duration on ephemeral pool
// connections. A failed renewal (zero rows) means ownership is gone and
// the execution context is cancelled with ErrLostLease as cause.
func (e *Executor) startHeartbeat(ctx context.Context, cancel context.CancelCauseFunc, runID, workerID string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	async.Go(e.logger, "lease-heartbeat "+runID, func() {
		defer close(finished)
		ticker := time.NewTicker(e.lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := e.store.RenewLease(ctx, runID, workerID, e.lease)
				if err != nil {
					// Transient renewal failures are survivable while the
					// lease has slack; the next tick retries.
					e.logger.Warn("renew lease for run %s: %v", runID, err)
					continue
				}
				if !ok {
					cancel(loomerr.ErrLostLease)
					return
				}
			}
		}
	})

	return func() {
		close(done)
		<-finished
	}
}

// lostLease reports whether execution ended because ownership was lost,
// either surfaced as an error or as the context cancellation cause.
func lostLease(ctx context.Context, err error) bool {
	if errors.Is(err, loomerr.ErrLostLease) {
		return true
	}
	return errors.Is(context.Cause(ctx), loomerr.ErrLostLease)
}

// errorDocument shapes an error into the structured document stored on
// failed runs and steps.
func errorDocument(err error) run.Document {
	if err == nil {
		return nil
	}
	doc := run.Document{
		"kind":    errorKind(err),
		"message": err.Error(),
	}
	var children *loomerr.ChildrenFailedError
	if errors.As(err, &children) {
		doc["policy"] = children.Policy
		doc["failed_run_ids"] = children.FailedIDs
	}
	var invariant *loomerr.InvariantViolationError
	if errors.As(err, &invariant) && invariant.Field != "" {
		doc["field"] = invariant.Field
	}
	return doc
}

func errorKind(err error) string {
	var children *loomerr.ChildrenFailedError
	var invariant *loomerr.InvariantViolationError
	switch {
	case errors.As(err, &children):
		return "ChildrenFailed"
	case errors.As(err, &invariant):
		return "InvariantViolation"
	case errors.Is(err, loomerr.ErrWaitTimeout):
		return "WaitTimeout"
	case errors.Is(err, loomerr.ErrLockUnavailable):
		return "LockUnavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Aborted"
	default:
		return "BlueprintFailure"
	}
}
