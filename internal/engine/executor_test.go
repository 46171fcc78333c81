package engine

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain/run"
	"loom/internal/infra/queue"
	"loom/internal/logging"
)

func newTestQueue(t *testing.T) *queue.PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres integration tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := queue.NewPostgresStore(pool, "test-env", logging.Nop())
	require.NoError(t, store.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE run_edges, events, steps, runs CASCADE`)
	require.NoError(t, err)
	return store
}

func executeOne(t *testing.T, store *queue.PostgresStore, registry *Registry, name string, inputs run.Document) *run.Run {
	t.Helper()
	ctx := context.Background()

	queued, err := store.Enqueue(ctx, run.EnqueueSpec{Name: name, Inputs: inputs})
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, "test-worker", 1, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, queued.ID, claimed.ID)

	executor := NewExecutor(store, registry, time.Minute, logging.Nop())
	require.NoError(t, executor.Execute(ctx, claimed, "test-worker"))

	final, err := store.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	return final
}

func eventNames(t *testing.T, store *queue.PostgresStore, runID string) []string {
	t.Helper()
	events, err := store.ListEvents(context.Background(), run.EventFilter{RunID: runID})
	require.NoError(t, err)
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.EventName
	}
	return names
}

func TestExecuteSuccessLifecycle(t *testing.T) {
	store := newTestQueue(t)
	registry := NewRegistry()
	registry.Register("test.work@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		out, err := rc.Step(ctx, "compute", run.KindActionTask, inputs, func(ctx context.Context, h *StepHandle) error {
			h.SetOutputs(run.Document{"doubled": 2 * int(inputs["n"].(float64))})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return run.Document{"result": out["doubled"]}, nil
	})

	final := executeOne(t, store, registry, "test.work@v1", run.Document{"n": 21})

	assert.Equal(t, run.StatusCompleted, final.Status)
	assert.Equal(t, float64(42), final.Outputs["result"])
	assert.Empty(t, final.LockedBy)
	require.NotNil(t, final.CompletedAt)

	steps, err := store.ListSteps(context.Background(), final.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, run.StepCompleted, steps[0].Status)
	assert.Equal(t, 0, steps[0].Idx)

	assert.Equal(t,
		[]string{"run.started", "step.started", "step.completed", "run.completed"},
		eventNames(t, store, final.ID))
}

func TestProgressEventsAreStepScoped(t *testing.T) {
	store := newTestQueue(t)
	registry := NewRegistry()
	registry.Register("test.reporter@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		_, err := rc.Step(ctx, "working", run.KindActionTask, nil, func(ctx context.Context, h *StepHandle) error {
			return rc.EmitProgress(ctx, run.Document{"pct": 50})
		})
		if err != nil {
			return nil, err
		}
		// Outside any step, progress degrades to the run-scoped event.
		if err := rc.EmitProgress(ctx, run.Document{"pct": 100}); err != nil {
			return nil, err
		}
		return run.Document{"ok": true}, nil
	})

	final := executeOne(t, store, registry, "test.reporter@v1", nil)
	require.Equal(t, run.StatusCompleted, final.Status)

	assert.Equal(t,
		[]string{"run.started", "step.started", "step.progress", "step.completed", "run.progress", "run.completed"},
		eventNames(t, store, final.ID))

	steps, err := store.ListSteps(context.Background(), final.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	events, err := store.ListEvents(context.Background(), run.EventFilter{RunID: final.ID, EventName: "step.progress"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, steps[0].ID, events[0].StepID, "step.progress must carry the open step's id")
	assert.Equal(t, "working", events[0].Data["step_name"])
	payload, ok := events[0].Data["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(50), payload["pct"])
}

func TestWaitEmitsProgressEachPoll(t *testing.T) {
	store := newTestQueue(t)
	registry := NewRegistry()
	registry.Register("test.slowchild@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		return run.Document{"done": true}, nil
	})
	registry.Register("test.waiter@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		child, err := rc.SpawnRun(ctx, "test.slowchild@v1", nil, WithChildKey("only"))
		if err != nil {
			return nil, err
		}

		// The child stays queued long enough for several poll rounds.
		executor := NewExecutor(store, registry, time.Minute, logging.Nop())
		go func() {
			time.Sleep(400 * time.Millisecond)
			claimed, claimErr := store.Claim(context.Background(), "child-worker", 1, time.Minute)
			if claimErr == nil && claimed != nil {
				_ = executor.Execute(context.Background(), claimed, "child-worker")
			}
		}()

		_, err = rc.WaitRuns(ctx, []string{child.ID}, WaitAll,
			WithTimeout(30*time.Second), WithPollInterval(50*time.Millisecond))
		return nil, err
	})

	final := executeOne(t, store, registry, "test.waiter@v1", nil)
	require.Equal(t, run.StatusCompleted, final.Status)

	events, err := store.ListEvents(context.Background(), run.EventFilter{RunID: final.ID, EventName: "run.progress"})
	require.NoError(t, err)
	require.NotEmpty(t, events, "each pending poll must record progress")
	assert.Equal(t, float64(1), events[0].Data["waiting_on"])
	assert.Equal(t, WaitAll, events[0].Data["policy"])
}

func TestJitteredSleepBounds(t *testing.T) {
	interval := 500 * time.Millisecond
	for i := 0; i < 1000; i++ {
		sleep := jitteredSleep(interval)
		require.GreaterOrEqual(t, sleep, interval)
		require.Less(t, sleep, interval+pollJitterMax)
	}
}

func TestExecuteBlueprintError(t *testing.T) {
	store := newTestQueue(t)
	registry := NewRegistry()
	registry.Register("test.fail@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		return nil, fmt.Errorf("deliberate failure")
	})

	final := executeOne(t, store, registry, "test.fail@v1", nil)

	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, "BlueprintFailure", final.Error["kind"])
	assert.Contains(t, final.Error["message"], "deliberate failure")
	assert.Contains(t, eventNames(t, store, final.ID), "run.failed")
}

func TestExecutePanicFailsRun(t *testing.T) {
	store := newTestQueue(t)
	registry := NewRegistry()
	registry.Register("test.panic@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		panic("blueprint bug")
	})

	final := executeOne(t, store, registry, "test.panic@v1", nil)

	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Contains(t, final.Error["message"], "panicked")
}

func TestExecuteUnknownBlueprint(t *testing.T) {
	store := newTestQueue(t)

	final := executeOne(t, store, NewRegistry(), "test.nowhere@v1", nil)

	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Contains(t, final.Error["message"], "no blueprint registered")
}

func TestExecuteFailedStepCommitsBeforeRunFails(t *testing.T) {
	store := newTestQueue(t)
	registry := NewRegistry()
	registry.Register("test.stepfail@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		_, err := rc.Step(ctx, "explode", run.KindActionTask, nil, func(ctx context.Context, h *StepHandle) error {
			return fmt.Errorf("step exploded")
		})
		return nil, err
	})

	final := executeOne(t, store, registry, "test.stepfail@v1", nil)

	assert.Equal(t, run.StatusFailed, final.Status)

	// The failed step committed at its boundary, so the record survives
	// the run-level rollback that precedes the FAILED flip.
	steps, err := store.ListSteps(context.Background(), final.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, run.StepFailed, steps[0].Status)
	assert.Contains(t, steps[0].Error["message"], "step exploded")
}

func TestExecuteSpawnAndWait(t *testing.T) {
	store := newTestQueue(t)
	registry := NewRegistry()
	registry.Register("test.child@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		return run.Document{"done": true}, nil
	})
	registry.Register("test.parent@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		child, err := rc.SpawnRun(ctx, "test.child@v1", nil, WithChildKey("only"))
		if err != nil {
			return nil, err
		}

		// A second worker loop drains the child while the parent waits.
		executor := NewExecutor(store, registry, time.Minute, logging.Nop())
		go func() {
			claimed, claimErr := store.Claim(context.Background(), "child-worker", 1, time.Minute)
			if claimErr == nil && claimed != nil {
				_ = executor.Execute(context.Background(), claimed, "child-worker")
			}
		}()

		statuses, err := rc.WaitRuns(ctx, []string{child.ID}, WaitAll,
			WithTimeout(30*time.Second), WithPollInterval(50*time.Millisecond))
		if err != nil {
			return nil, err
		}
		return run.Document{"child_status": string(statuses[child.ID])}, nil
	})

	final := executeOne(t, store, registry, "test.parent@v1", nil)

	assert.Equal(t, run.StatusCompleted, final.Status)
	assert.Equal(t, "COMPLETED", final.Outputs["child_status"])

	children, err := store.ListRuns(context.Background(), run.ListFilter{ParentRunID: final.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, final.CorrelationID, children[0].CorrelationID,
		"correlation id must propagate to spawned children")
}

func TestExecuteCancelledRunDropsResult(t *testing.T) {
	store := newTestQueue(t)
	registry := NewRegistry()
	registry.Register("test.cancelme@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		// Cancellation lands while the blueprint is "working"; the
		// finalize guard must reject the stale result.
		_, err := store.Cancel(ctx, rc.RunID())
		if err != nil {
			return nil, err
		}
		return run.Document{"should": "be dropped"}, nil
	})

	final := executeOne(t, store, registry, "test.cancelme@v1", nil)

	assert.Equal(t, run.StatusCancelled, final.Status)
	assert.Nil(t, final.Outputs)
}
