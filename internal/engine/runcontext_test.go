package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/domain/run"
	loomerr "loom/internal/errors"
)

func TestEvaluateWaitAll(t *testing.T) {
	ids := []string{"a", "b", "c"}

	done, err := evaluateWait(WaitAll, ids, map[string]run.Status{
		"a": run.StatusCompleted, "b": run.StatusRunning, "c": run.StatusQueued,
	})
	require.NoError(t, err)
	assert.False(t, done, "pending children keep the wait open")

	done, err = evaluateWait(WaitAll, ids, map[string]run.Status{
		"a": run.StatusCompleted, "b": run.StatusCompleted, "c": run.StatusCompleted,
	})
	require.NoError(t, err)
	assert.True(t, done)
}

func TestEvaluateWaitAllFailsFast(t *testing.T) {
	ids := []string{"a", "b"}
	// One failure sinks the policy even while the other child still runs.
	_, err := evaluateWait(WaitAll, ids, map[string]run.Status{
		"a": run.StatusFailed, "b": run.StatusRunning,
	})
	var children *loomerr.ChildrenFailedError
	require.True(t, errors.As(err, &children))
	assert.Equal(t, WaitAll, children.Policy)
	assert.Equal(t, []string{"a"}, children.FailedIDs)
}

func TestEvaluateWaitAllCancelledCountsAsFailed(t *testing.T) {
	_, err := evaluateWait(WaitAll, []string{"a"}, map[string]run.Status{
		"a": run.StatusCancelled,
	})
	var children *loomerr.ChildrenFailedError
	require.True(t, errors.As(err, &children))
}

func TestEvaluateWaitAny(t *testing.T) {
	ids := []string{"a", "b"}

	done, err := evaluateWait(WaitAny, ids, map[string]run.Status{
		"a": run.StatusFailed, "b": run.StatusRunning,
	})
	require.NoError(t, err, "a single failure is survivable under any")
	assert.False(t, done)

	done, err = evaluateWait(WaitAny, ids, map[string]run.Status{
		"a": run.StatusFailed, "b": run.StatusCompleted,
	})
	require.NoError(t, err)
	assert.True(t, done)
}

func TestEvaluateWaitAnyAllFailed(t *testing.T) {
	_, err := evaluateWait(WaitAny, []string{"a", "b"}, map[string]run.Status{
		"a": run.StatusFailed, "b": run.StatusCancelled,
	})
	var children *loomerr.ChildrenFailedError
	require.True(t, errors.As(err, &children))
	assert.Len(t, children.FailedIDs, 2)
}

func TestEvaluateWaitMissingRowsArePending(t *testing.T) {
	// A freshly spawned child can trail the status read by one poll; its
	// absence must not be treated as failure.
	done, err := evaluateWait(WaitAll, []string{"a", "b"}, map[string]run.Status{
		"a": run.StatusCompleted,
	})
	require.NoError(t, err)
	assert.False(t, done)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register("demo.noop@v1", func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		return nil, nil
	})

	_, ok := reg.Get("demo.noop@v1")
	assert.True(t, ok)
	_, ok = reg.Get("demo.missing@v1")
	assert.False(t, ok)
	assert.Equal(t, []string{"demo.noop@v1"}, reg.Names())
}

func TestRegistryDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	bp := func(ctx context.Context, rc *RunContext, inputs run.Document) (run.Document, error) {
		return nil, nil
	}
	reg.Register("demo.noop@v1", bp)
	assert.Panics(t, func() { reg.Register("demo.noop@v1", bp) })
}
