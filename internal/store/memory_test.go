package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"order-pipeline/internal/models"
)

func testEnvelope(id string) models.Envelope {
	return models.Envelope{
		ID:          id,
		Kind:        "validate_order",
		Queue:       "orders",
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestClaimExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if _, err := s.CreateTask(ctx, testEnvelope("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const claimers = 16
	var wg sync.WaitGroup
	results := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.Claim(ctx, "t1", "w", time.Minute)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	winners, losers := 0, 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrClaimLost):
			losers++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if winners != 1 || losers != claimers-1 {
		t.Fatalf("winners=%d losers=%d", winners, losers)
	}
}

func TestClaimUnknownTask(t *testing.T) {
	s := NewMemory()
	if _, err := s.Claim(context.Background(), "nope", "w", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if _, err := s.CreateTask(ctx, testEnvelope("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Claim(ctx, "t1", "w", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	applied, err := s.Complete(ctx, "t1", models.Outcome{Status: models.StatusSucceeded})
	if err != nil || !applied {
		t.Fatalf("first complete: applied=%v err=%v", applied, err)
	}
	applied, err = s.Complete(ctx, "t1", models.Outcome{Status: models.StatusAbandoned})
	if err != nil || applied {
		t.Fatalf("duplicate complete should be a no-op: applied=%v err=%v", applied, err)
	}

	rec, _ := s.GetTask(ctx, "t1")
	if rec.Status != models.StatusSucceeded {
		t.Fatalf("duplicate complete changed status to %s", rec.Status)
	}
	if _, err := s.Complete(ctx, "t1", models.Outcome{Status: models.StatusRunning}); err == nil {
		t.Fatal("non-terminal outcome should be rejected")
	}
}

func TestScheduleRetryAndPendingDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if _, err := s.CreateTask(ctx, testEnvelope("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Claim(ctx, "t1", "w", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	notBefore := time.Now().Add(time.Hour)
	rec, err := s.ScheduleRetry(ctx, "t1", 1, notBefore, "gateway timeout")
	if err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	if rec.Status != models.StatusPending || rec.Attempt != 1 {
		t.Fatalf("retry record: status=%s attempt=%d", rec.Status, rec.Attempt)
	}
	if rec.LastError == nil || *rec.LastError != "gateway timeout" {
		t.Fatalf("cause not recorded: %v", rec.LastError)
	}

	due, err := s.PendingDue(ctx, time.Now(), 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("backoff deadline ignored: %v err=%v", due, err)
	}
	due, err = s.PendingDue(ctx, time.Now().Add(2*time.Hour), 10)
	if err != nil || len(due) != 1 || due[0].ID != "t1" {
		t.Fatalf("due retry missing: %v err=%v", due, err)
	}
}

func TestReleaseStaleClaimsKeepsAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	env := testEnvelope("t1")
	env.Attempt = 2
	if _, err := s.CreateTask(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Negative lease puts the deadline in the past immediately.
	if _, err := s.Claim(ctx, "t1", "w", -time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	released, err := s.ReleaseStaleClaims(ctx, time.Minute)
	if err != nil || len(released) != 1 {
		t.Fatalf("release: %v err=%v", released, err)
	}
	rec := released[0]
	if rec.Status != models.StatusPending {
		t.Fatalf("released status = %s", rec.Status)
	}
	if rec.Attempt != 2 {
		t.Fatalf("crash recovery must not charge an attempt, got %d", rec.Attempt)
	}
	if rec.WorkerID != nil {
		t.Fatal("released task still owned")
	}
}

func TestReleaseStaleClaimsByHeartbeat(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if _, err := s.CreateTask(ctx, testEnvelope("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpsertWorker(ctx, models.WorkerInfo{ID: "w", State: models.WorkerBusy}); err != nil {
		t.Fatalf("upsert worker: %v", err)
	}
	if _, err := s.Claim(ctx, "t1", "w", time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Lease is live and heartbeat fresh: nothing to release.
	released, err := s.ReleaseStaleClaims(ctx, time.Minute)
	if err != nil || len(released) != 0 {
		t.Fatalf("unexpected release: %v err=%v", released, err)
	}

	// A negative timeout moves the heartbeat cutoff past any fresh heartbeat,
	// standing in for a worker that stopped reporting.
	released, err = s.ReleaseStaleClaims(ctx, -time.Second)
	if err != nil || len(released) != 1 {
		t.Fatalf("heartbeat-stale claim not released: %v err=%v", released, err)
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first := testEnvelope("stage-0")
	wf, err := s.CreateWorkflow(ctx, "order-1", first)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if wf.StageIndex != 0 || wf.CurrentTaskID != "stage-0" {
		t.Fatalf("fresh workflow: %+v", wf)
	}
	if _, err := s.GetTask(ctx, "stage-0"); err != nil {
		t.Fatal("first stage task not recorded")
	}

	if _, err := s.CreateWorkflow(ctx, "order-1", testEnvelope("dup")); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	// Advancing with a stale task id is a no-op, so a duplicate completion
	// can never spawn a second in-flight stage.
	wf, err = s.AdvanceWorkflow(ctx, "order-1", "wrong-task", testEnvelope("stage-x"))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if wf.StageIndex != 0 {
		t.Fatalf("guarded advance moved the pointer: %+v", wf)
	}
	if _, err := s.GetTask(ctx, "stage-x"); !errors.Is(err, ErrNotFound) {
		t.Fatal("guarded advance recorded a task")
	}

	wf, err = s.AdvanceWorkflow(ctx, "order-1", "stage-0", testEnvelope("stage-1"))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if wf.StageIndex != 1 || wf.CurrentTaskID != "stage-1" {
		t.Fatalf("advance result: %+v", wf)
	}

	wf, err = s.FinishWorkflow(ctx, "order-1", models.WorkflowCompleted)
	if err != nil || wf.Status != models.WorkflowCompleted {
		t.Fatalf("finish: %+v err=%v", wf, err)
	}
	// Finishing again keeps the first terminal status.
	wf, _ = s.FinishWorkflow(ctx, "order-1", models.WorkflowAbandoned)
	if wf.Status != models.WorkflowCompleted {
		t.Fatalf("duplicate finish overwrote status: %s", wf.Status)
	}

	// A terminal workflow may be restarted for the same order.
	if _, err := s.CreateWorkflow(ctx, "order-1", testEnvelope("stage-0-bis")); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestCancelWorkflowIsSticky(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if _, err := s.CreateWorkflow(ctx, "order-1", testEnvelope("stage-0")); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	wf, err := s.CancelWorkflow(ctx, "order-1")
	if err != nil || !wf.Cancelled {
		t.Fatalf("cancel: %+v err=%v", wf, err)
	}
	if wf.Status != models.WorkflowActive {
		t.Fatalf("cancel must not preempt the active stage, status=%s", wf.Status)
	}
	wf, _ = s.GetWorkflow(ctx, "order-1")
	if !wf.Cancelled {
		t.Fatal("cancelled flag did not stick")
	}
}

func TestStalledWorkflows(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if _, err := s.CreateWorkflow(ctx, "order-1", testEnvelope("stage-0")); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	stalled, err := s.StalledWorkflows(ctx, 10)
	if err != nil || len(stalled) != 0 {
		t.Fatalf("healthy workflow reported stalled: %v err=%v", stalled, err)
	}

	// Task finishes but the pointer never advances: the crash window between
	// completion and advancement.
	if _, err := s.Claim(ctx, "stage-0", "w", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.Complete(ctx, "stage-0", models.Outcome{Status: models.StatusSucceeded}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stalled, err = s.StalledWorkflows(ctx, 10)
	if err != nil || len(stalled) != 1 || stalled[0].ID != "stage-0" {
		t.Fatalf("stalled workflow not reported: %v err=%v", stalled, err)
	}
}

func TestOutcomeCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, tc := range []struct {
		id      string
		outcome string
	}{
		{"ok-1", models.StatusSucceeded},
		{"ok-2", models.StatusSucceeded},
		{"gone", models.StatusAbandoned},
	} {
		if _, err := s.CreateTask(ctx, testEnvelope(tc.id)); err != nil {
			t.Fatalf("create %s: %v", tc.id, err)
		}
		if _, err := s.Claim(ctx, tc.id, "w", time.Minute); err != nil {
			t.Fatalf("claim %s: %v", tc.id, err)
		}
		if _, err := s.Complete(ctx, tc.id, models.Outcome{Status: tc.outcome}); err != nil {
			t.Fatalf("complete %s: %v", tc.id, err)
		}
	}
	if _, err := s.CreateTask(ctx, testEnvelope("flaky")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Claim(ctx, "flaky", "w", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.ScheduleRetry(ctx, "flaky", 1, time.Now(), "boom"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	counts, err := s.OutcomeCounts(ctx, time.Minute)
	if err != nil {
		t.Fatalf("outcome counts: %v", err)
	}
	if counts.Succeeded != 2 || counts.Failed != 1 || counts.Abandoned != 1 {
		t.Fatalf("counts = %+v", counts)
	}

	// Outside the window everything ages out.
	counts, _ = s.OutcomeCounts(ctx, -time.Second)
	if counts.Succeeded != 0 || counts.Failed != 0 || counts.Abandoned != 0 {
		t.Fatalf("window ignored: %+v", counts)
	}
}
