package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"order-pipeline/internal/config"
	"order-pipeline/internal/models"
	"order-pipeline/internal/queue"
	"order-pipeline/internal/retry"
	"order-pipeline/internal/store"
)

func testPoolConfig() config.Config {
	return config.Config{
		Concurrency:        1,
		LeaseTimeout:       time.Minute,
		PollInterval:       5 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
		JanitorInterval:    10 * time.Millisecond,
		InfraRetryInterval: 5 * time.Millisecond,
		ScheduledBatchSize: 100,
		StageTimeout:       time.Second,
		MaxAttempts:        3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
	}
}

func newPoolFixture(t *testing.T) (*Pool, *queue.Registry, *store.Memory) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := queue.New(client, time.Minute)
	if err := reg.Register(config.QueueSpec{Name: "orders", Weight: 10}); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := testPoolConfig()
	st := store.NewMemory()
	pool := NewPool(cfg, reg, st, retry.NewPolicy(cfg.BackoffBase, cfg.BackoffMax))
	return pool, reg, st
}

func submit(t *testing.T, reg *queue.Registry, st *store.Memory, env models.Envelope) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.CreateTask(ctx, env); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := reg.Enqueue(ctx, env); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func taskStatus(t *testing.T, st *store.Memory, id string) string {
	t.Helper()
	rec, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return rec.Status
}

func TestPoolExecutesTask(t *testing.T) {
	pool, reg, st := newPoolFixture(t)

	var ran atomic.Int32
	pool.RegisterHandler("validate_order", func(_ context.Context, _ models.TaskRecord) (json.RawMessage, error) {
		ran.Add(1)
		return json.RawMessage(`{"valid":true}`), nil
	})

	var terminal atomic.Int32
	pool.OnTerminal(func(_ context.Context, rec models.TaskRecord) {
		if rec.Status == models.StatusSucceeded {
			terminal.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	env := models.Envelope{ID: "t1", Kind: "validate_order", Queue: "orders", MaxAttempts: 3, CreatedAt: time.Now()}
	submit(t, reg, st, env)

	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, st, "t1") == models.StatusSucceeded
	})
	if ran.Load() != 1 {
		t.Fatalf("handler ran %d times", ran.Load())
	}
	waitFor(t, time.Second, func() bool { return terminal.Load() == 1 })

	rec, _ := st.GetTask(context.Background(), "t1")
	if string(rec.Result) != `{"valid":true}` {
		t.Fatalf("result not stored: %s", rec.Result)
	}
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	pool, reg, st := newPoolFixture(t)

	var calls atomic.Int32
	pool.RegisterHandler("charge_payment", func(_ context.Context, _ models.TaskRecord) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("gateway timeout")
		}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	env := models.Envelope{ID: "t1", Kind: "charge_payment", Queue: "orders", MaxAttempts: 3, CreatedAt: time.Now()}
	submit(t, reg, st, env)

	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, st, "t1") == models.StatusSucceeded
	})
	if calls.Load() != 2 {
		t.Fatalf("handler called %d times, want 2", calls.Load())
	}
	rec, _ := st.GetTask(context.Background(), "t1")
	if rec.Attempt != 1 {
		t.Fatalf("attempt counter = %d, want 1", rec.Attempt)
	}
	if rec.LastError == nil || *rec.LastError != "gateway timeout" {
		t.Fatalf("failure cause not recorded: %v", rec.LastError)
	}
}

func TestPoolAbandonsPermanentFailure(t *testing.T) {
	pool, reg, st := newPoolFixture(t)

	var calls atomic.Int32
	pool.RegisterHandler("charge_payment", func(_ context.Context, _ models.TaskRecord) (json.RawMessage, error) {
		calls.Add(1)
		return nil, retry.Permanent(errors.New("card declined"))
	})

	var abandoned atomic.Int32
	pool.OnTerminal(func(_ context.Context, rec models.TaskRecord) {
		if rec.Status == models.StatusAbandoned {
			abandoned.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	env := models.Envelope{ID: "t1", Kind: "charge_payment", Queue: "orders", MaxAttempts: 5, CreatedAt: time.Now()}
	submit(t, reg, st, env)

	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, st, "t1") == models.StatusAbandoned
	})
	if calls.Load() != 1 {
		t.Fatalf("permanent failure retried: %d calls", calls.Load())
	}
	waitFor(t, time.Second, func() bool { return abandoned.Load() == 1 })
}

func TestPoolAbandonsAfterAttemptBudget(t *testing.T) {
	pool, reg, st := newPoolFixture(t)

	var calls atomic.Int32
	pool.RegisterHandler("charge_payment", func(_ context.Context, _ models.TaskRecord) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("still broken")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	env := models.Envelope{ID: "t1", Kind: "charge_payment", Queue: "orders", MaxAttempts: 2, CreatedAt: time.Now()}
	submit(t, reg, st, env)

	waitFor(t, 5*time.Second, func() bool {
		return taskStatus(t, st, "t1") == models.StatusAbandoned
	})
	// Attempts 0, 1, and 2 run; attempt 3 would exceed the budget.
	if calls.Load() != 3 {
		t.Fatalf("handler called %d times, want 3", calls.Load())
	}
}

func TestPoolUnknownKindIsPermanent(t *testing.T) {
	pool, reg, st := newPoolFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	env := models.Envelope{ID: "t1", Kind: "mystery", Queue: "orders", MaxAttempts: 5, CreatedAt: time.Now()}
	submit(t, reg, st, env)

	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, st, "t1") == models.StatusAbandoned
	})
	rec, _ := st.GetTask(context.Background(), "t1")
	if rec.LastError == nil {
		t.Fatal("missing-handler cause not recorded")
	}
}

func TestPoolRecoversPanic(t *testing.T) {
	pool, reg, st := newPoolFixture(t)

	var calls atomic.Int32
	pool.RegisterHandler("validate_order", func(_ context.Context, _ models.TaskRecord) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	env := models.Envelope{ID: "t1", Kind: "validate_order", Queue: "orders", MaxAttempts: 3, CreatedAt: time.Now()}
	submit(t, reg, st, env)

	// The panic counts as an ordinary failure and the task retries.
	waitFor(t, 2*time.Second, func() bool {
		return taskStatus(t, st, "t1") == models.StatusSucceeded
	})
	if calls.Load() != 2 {
		t.Fatalf("handler called %d times, want 2", calls.Load())
	}
}

func TestPoolScaleAndDrain(t *testing.T) {
	pool, reg, st := newPoolFixture(t)
	pool.RegisterHandler("validate_order", func(_ context.Context, _ models.TaskRecord) (json.RawMessage, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	// The single base slot registers itself.
	waitFor(t, 2*time.Second, func() bool {
		workers, err := st.ListWorkers(context.Background())
		return err == nil && len(workers) == 1
	})

	if err := reg.SetDesiredSlots(context.Background(), "orders", 1); err != nil {
		t.Fatalf("set desired: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return pool.dedicatedCount("orders") == 1
	})
	waitFor(t, 2*time.Second, func() bool {
		workers, err := st.ListWorkers(context.Background())
		return err == nil && len(workers) == 2
	})

	if err := reg.SetDesiredSlots(context.Background(), "orders", 0); err != nil {
		t.Fatalf("set desired: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		workers, err := st.ListWorkers(context.Background())
		return err == nil && len(workers) == 1
	})
	if pool.dedicatedCount("orders") != 0 {
		t.Fatalf("dedicated slots remain: %d", pool.dedicatedCount("orders"))
	}
}
