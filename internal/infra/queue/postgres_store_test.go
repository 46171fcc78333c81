package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/domain/run"
	"loom/internal/logging"
)

// These tests need a real Postgres. Point TEST_DATABASE_URL at a
// disposable database; every test truncates the queue tables first.

func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres integration tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool, "test-env", logging.Nop())
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE run_edges, events, steps, runs CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func mustEnqueue(t *testing.T, store *PostgresStore, spec run.EnqueueSpec) *run.Run {
	t.Helper()
	r, err := store.Enqueue(context.Background(), spec)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return r
}

func mustClaim(t *testing.T, store *PostgresStore, workerID string) *run.Run {
	t.Helper()
	r, err := store.Claim(context.Background(), workerID, 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if r == nil {
		t.Fatal("expected a claimable run, got none")
	}
	return r
}

func expireLease(t *testing.T, store *PostgresStore, runID string) {
	t.Helper()
	_, err := store.pool.Exec(context.Background(),
		`UPDATE runs SET lease_expires_at = NOW() - INTERVAL '1 second' WHERE id = $1`, runID)
	if err != nil {
		t.Fatalf("expire lease: %v", err)
	}
}

func TestEnqueueDefaults(t *testing.T) {
	store := newTestStore(t)

	r := mustEnqueue(t, store, run.EnqueueSpec{Name: "core.test.echo@v1"})
	if r.Status != run.StatusQueued {
		t.Errorf("status = %s, want QUEUED", r.Status)
	}
	if r.Priority != run.DefaultPriority {
		t.Errorf("priority = %d, want %d", r.Priority, run.DefaultPriority)
	}
	if r.Actor != "system" {
		t.Errorf("actor = %q, want system", r.Actor)
	}
	if r.CorrelationID == "" {
		t.Error("correlation id was not generated")
	}
	if r.QueuedAt == nil {
		t.Error("queued_at not set")
	}
}

func TestClaimRespectsPriority(t *testing.T) {
	store := newTestStore(t)

	mustEnqueue(t, store, run.EnqueueSpec{Name: "low", Priority: 200})
	urgent := mustEnqueue(t, store, run.EnqueueSpec{Name: "urgent", Priority: 5})

	claimed := mustClaim(t, store, "w1")
	if claimed.ID != urgent.ID {
		t.Errorf("claimed %s (%s), want the urgent run %s", claimed.ID, claimed.Name, urgent.ID)
	}
	if claimed.Status != run.StatusRunning {
		t.Errorf("status = %s, want RUNNING", claimed.Status)
	}
	if claimed.LockedBy != "w1" {
		t.Errorf("locked_by = %q, want w1", claimed.LockedBy)
	}
	if claimed.LeaseExpiresAt == nil || !claimed.LeaseExpiresAt.After(time.Now()) {
		t.Error("lease_expires_at should be in the future")
	}
}

func TestClaimSkipsFutureRuns(t *testing.T) {
	store := newTestStore(t)

	future := time.Now().Add(time.Hour)
	mustEnqueue(t, store, run.EnqueueSpec{Name: "later", RunAt: &future})

	claimed, err := store.Claim(context.Background(), "w1", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Errorf("claimed future run %s", claimed.ID)
	}
}

func TestClaimNeverDoubleAssigns(t *testing.T) {
	store := newTestStore(t)
	mustEnqueue(t, store, run.EnqueueSpec{Name: "single"})

	first := mustClaim(t, store, "w1")
	second, err := store.Claim(context.Background(), "w2", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second != nil {
		t.Errorf("run %s claimed twice (also by %s)", first.ID, second.LockedBy)
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	store := newTestStore(t)
	mustEnqueue(t, store, run.EnqueueSpec{Name: "zombie"})

	first := mustClaim(t, store, "w1")
	expireLease(t, store, first.ID)
	mustEnqueue(t, store, run.EnqueueSpec{Name: "fresh"})

	// The expired RUNNING row outranks fresh QUEUED work at equal priority.
	reclaimed := mustClaim(t, store, "w2")
	if reclaimed.ID != first.ID {
		t.Errorf("claimed %s (%s), want the expired run %s", reclaimed.ID, reclaimed.Name, first.ID)
	}
	if reclaimed.LockedBy != "w2" {
		t.Errorf("locked_by = %q, want w2", reclaimed.LockedBy)
	}
}

func TestRenewLeaseOwnership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, run.EnqueueSpec{Name: "renewable"})

	claimed := mustClaim(t, store, "w1")
	ok, err := store.RenewLease(ctx, claimed.ID, "w1", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !ok {
		t.Error("owner's renewal should succeed")
	}

	expireLease(t, store, claimed.ID)
	mustClaim(t, store, "w2")

	ok, err = store.RenewLease(ctx, claimed.ID, "w1", time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Error("renewal after reclaim must fail")
	}
	if err := store.AssertOwnership(ctx, claimed.ID, "w1"); err == nil {
		t.Error("ownership assertion should fail for the old owner")
	}
	if err := store.AssertOwnership(ctx, claimed.ID, "w2"); err != nil {
		t.Errorf("new owner assertion failed: %v", err)
	}
}

func TestCancelTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	queued := mustEnqueue(t, store, run.EnqueueSpec{Name: "doomed"})
	cancelled, err := store.Cancel(ctx, queued.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled == nil || cancelled.Status != run.StatusCancelled {
		t.Fatalf("cancel result = %+v, want CANCELLED", cancelled)
	}
	if cancelled.CompletedAt == nil {
		t.Error("completed_at not set on cancel")
	}

	again, err := store.Cancel(ctx, queued.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if again != nil {
		t.Error("cancelling a terminal run must be a no-op")
	}
}

func TestCancelledRunIsNotClaimable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := mustEnqueue(t, store, run.EnqueueSpec{Name: "doomed"})
	if _, err := store.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	claimed, err := store.Claim(ctx, "w1", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Errorf("claimed cancelled run %s", claimed.ID)
	}
}

func newTestSession(t *testing.T, store *PostgresStore, runID, workerID string) *ExecSession {
	t.Helper()
	conn, err := store.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	session := NewExecSession(store, conn, runID, workerID)
	t.Cleanup(func() { session.Close(context.Background()) })
	return session
}

func TestStepIndexesAreContiguous(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, run.EnqueueSpec{Name: "stepper"})
	claimed := mustClaim(t, store, "w1")

	session := newTestSession(t, store, claimed.ID, "w1")
	for i := 0; i < 3; i++ {
		st, err := session.StartStep(ctx, "work", run.KindActionTask, nil)
		if err != nil {
			t.Fatalf("start step %d: %v", i, err)
		}
		if st.Idx != i {
			t.Errorf("step idx = %d, want %d", st.Idx, i)
		}
		if st.Status != run.StepRunning {
			t.Errorf("step status = %s, want RUNNING", st.Status)
		}
		if err := session.FinishStep(ctx, st.ID, run.StepCompleted, run.Document{"n": i}, nil); err != nil {
			t.Fatalf("finish step %d: %v", i, err)
		}
		if err := session.Commit(ctx); err != nil {
			t.Fatalf("commit step %d: %v", i, err)
		}
	}

	steps, err := store.ListSteps(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	for i, st := range steps {
		if st.Idx != i {
			t.Errorf("steps[%d].Idx = %d", i, st.Idx)
		}
	}
}

func TestUncommittedStepRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, run.EnqueueSpec{Name: "crasher"})
	claimed := mustClaim(t, store, "w1")

	session := newTestSession(t, store, claimed.ID, "w1")
	if _, err := session.StartStep(ctx, "lost", run.KindActionTask, nil); err != nil {
		t.Fatalf("start step: %v", err)
	}
	if err := session.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	steps, err := store.ListSteps(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("rolled-back step persisted: %+v", steps)
	}
}

func TestSpawnChildIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, run.EnqueueSpec{Name: "parent"})
	claimed := mustClaim(t, store, "w1")

	session := newTestSession(t, store, claimed.ID, "w1")
	spec := run.EnqueueSpec{Name: "child", CorrelationID: claimed.CorrelationID}

	first, created, err := session.SpawnChild(ctx, spec, "child-0")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !created {
		t.Fatal("first spawn should create")
	}
	if first.ParentRunID != claimed.ID {
		t.Errorf("parent_run_id = %q, want %s", first.ParentRunID, claimed.ID)
	}

	second, created, err := session.SpawnChild(ctx, spec, "child-0")
	if err != nil {
		t.Fatalf("respawn: %v", err)
	}
	if created {
		t.Error("second spawn with the same key must not create")
	}
	if second.ID != first.ID {
		t.Errorf("respawn returned %s, want %s", second.ID, first.ID)
	}

	other, created, err := session.SpawnChild(ctx, spec, "child-1")
	if err != nil {
		t.Fatalf("spawn other: %v", err)
	}
	if !created || other.ID == first.ID {
		t.Error("distinct keys must create distinct children")
	}
}

func TestFinalizeSuccessGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, run.EnqueueSpec{Name: "finisher"})
	claimed := mustClaim(t, store, "w1")

	session := newTestSession(t, store, claimed.ID, "w1")
	ok, err := session.FinalizeSuccess(ctx, run.Document{"answer": 42})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !ok {
		t.Fatal("owner's finalize should succeed")
	}

	final, err := store.GetRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != run.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", final.Status)
	}
	if final.LockedBy != "" || final.LeaseExpiresAt != nil {
		t.Error("lock fields should clear on finalize")
	}
	if final.Outputs["answer"] != float64(42) {
		t.Errorf("outputs = %v", final.Outputs)
	}
}

func TestFinalizeDropsAfterReclaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, run.EnqueueSpec{Name: "slowpoke"})
	claimed := mustClaim(t, store, "w1")

	expireLease(t, store, claimed.ID)
	mustClaim(t, store, "w2")

	session := newTestSession(t, store, claimed.ID, "w1")
	ok, err := session.FinalizeSuccess(ctx, run.Document{"stale": true})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if ok {
		t.Error("finalize by the old owner must affect zero rows")
	}

	current, err := store.GetRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if current.Status != run.StatusRunning || current.LockedBy != "w2" {
		t.Errorf("run = %s/%s, want RUNNING/w2", current.Status, current.LockedBy)
	}
	if current.Outputs != nil {
		t.Error("stale outputs leaked through a failed finalize")
	}
}

func TestFinalizeFailureRecordsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, store, run.EnqueueSpec{Name: "failer"})
	claimed := mustClaim(t, store, "w1")

	session := newTestSession(t, store, claimed.ID, "w1")
	// Open some uncommitted work that must vanish with the failure.
	if _, err := session.StartStep(ctx, "doomed", run.KindActionTask, nil); err != nil {
		t.Fatalf("start step: %v", err)
	}

	ok, err := session.FinalizeFailure(ctx, run.Document{"kind": "BlueprintFailure", "message": "boom"})
	if err != nil {
		t.Fatalf("finalize failure: %v", err)
	}
	if !ok {
		t.Fatal("owner's failure finalize should succeed")
	}

	final, err := store.GetRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if final.Status != run.StatusFailed {
		t.Errorf("status = %s, want FAILED", final.Status)
	}
	if final.Error["message"] != "boom" {
		t.Errorf("error doc = %v", final.Error)
	}

	steps, err := store.ListSteps(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 0 {
		t.Error("uncommitted step survived the failure rollback")
	}
}

func TestListRunsCursorPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustEnqueue(t, store, run.EnqueueSpec{Name: "page-me"})
	}

	firstPage, err := store.ListRuns(ctx, run.ListFilter{Name: "page-me", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(firstPage) != 2 {
		t.Fatalf("first page has %d rows", len(firstPage))
	}

	last := firstPage[len(firstPage)-1]
	secondPage, err := store.ListRuns(ctx, run.ListFilter{
		Name:          "page-me",
		Limit:         10,
		CursorCreated: &last.CreatedAt,
		CursorID:      last.ID,
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(secondPage) != 3 {
		t.Fatalf("second page has %d rows, want 3", len(secondPage))
	}
	seen := map[string]bool{}
	for _, r := range append(firstPage, secondPage...) {
		if seen[r.ID] {
			t.Errorf("run %s appeared on both pages", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestEventsRecordAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	r := mustEnqueue(t, store, run.EnqueueSpec{Name: "audited"})

	for _, name := range []string{"run.started", "run.progress", "run.completed"} {
		err := store.InsertEvent(ctx, &run.Event{
			EventName:     name,
			RunID:         r.ID,
			CorrelationID: r.CorrelationID,
			Data:          run.Document{"source": "test"},
		})
		if err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
	}

	all, err := store.ListEvents(ctx, run.EventFilter{RunID: r.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3", len(all))
	}
	if all[0].EnvID != "test-env" {
		t.Errorf("env_id = %q, want test-env", all[0].EnvID)
	}

	progress, err := store.ListEvents(ctx, run.EventFilter{RunID: r.ID, EventName: "run.progress"})
	if err != nil {
		t.Fatalf("filter events: %v", err)
	}
	if len(progress) != 1 {
		t.Errorf("got %d progress events, want 1", len(progress))
	}
}

func TestCollectStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, run.EnqueueSpec{Name: "ready"})
	future := time.Now().Add(time.Hour)
	mustEnqueue(t, store, run.EnqueueSpec{Name: "later", RunAt: &future})
	mustEnqueue(t, store, run.EnqueueSpec{Name: "busy"})
	claimed := mustClaim(t, store, "w1")
	if claimed.Name != "ready" && claimed.Name != "busy" {
		t.Fatalf("claimed %s unexpectedly", claimed.Name)
	}

	stats, err := store.CollectStats(ctx)
	if err != nil {
		t.Fatalf("collect stats: %v", err)
	}
	if stats.DepthByStatus[run.StatusQueued] != 2 {
		t.Errorf("queued depth = %d, want 2", stats.DepthByStatus[run.StatusQueued])
	}
	if stats.DepthByStatus[run.StatusRunning] != 1 {
		t.Errorf("running depth = %d, want 1", stats.DepthByStatus[run.StatusRunning])
	}
	if stats.ReadyDepth != 1 {
		t.Errorf("ready depth = %d, want 1", stats.ReadyDepth)
	}
	if stats.FutureDepth != 1 {
		t.Errorf("future depth = %d, want 1", stats.FutureDepth)
	}
	if stats.RunningWithActiveLease != 1 {
		t.Errorf("active leases = %d, want 1", stats.RunningWithActiveLease)
	}
}
