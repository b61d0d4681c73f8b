package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"order-pipeline/internal/config"
	"order-pipeline/internal/models"
	"order-pipeline/internal/retry"
	"order-pipeline/internal/store"
	"order-pipeline/internal/telemetry"
)

// Handler executes a task body for one kind. The returned payload is stored
// as the task result.
type Handler func(ctx context.Context, task models.TaskRecord) (json.RawMessage, error)

// TaskQueue is the slice of the queue registry the pool needs.
type TaskQueue interface {
	Dequeue(ctx context.Context, bound []string) (string, error)
	Enqueue(ctx context.Context, env models.Envelope) error
	Ack(ctx context.Context, id string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depths(ctx context.Context) (map[string]int64, error)
	DesiredSlots(ctx context.Context) (map[string]int, error)
}

// Pool runs a set of concurrent execution slots over the shared broker. Base
// slots poll every queue; scaling adds or drains slots dedicated to a single
// queue. Slots idle on a timed wait, never busy-poll.
type Pool struct {
	cfg      config.Config
	queue    TaskQueue
	store    store.Store
	policy   *retry.Policy
	handlers map[string]Handler

	// onTerminal is invoked after a task reaches a terminal state; the
	// orchestrator hooks workflow advancement here.
	onTerminal func(ctx context.Context, rec models.TaskRecord)

	mu    sync.Mutex
	slots map[string]*slot
	group *errgroup.Group
	ctx   context.Context
}

type slot struct {
	id    string
	bound []string
	state atomic.Value // worker state string
	drain atomic.Bool
}

// NewPool builds a pool; Run starts it.
func NewPool(cfg config.Config, q TaskQueue, st store.Store, policy *retry.Policy) *Pool {
	return &Pool{
		cfg:      cfg,
		queue:    q,
		store:    st,
		policy:   policy,
		handlers: make(map[string]Handler),
		slots:    make(map[string]*slot),
	}
}

// RegisterHandler binds a handler to a task kind. Kinds are resolved once at
// startup; a task with no handler is a permanent failure.
func (p *Pool) RegisterHandler(kind string, h Handler) {
	if kind == "" || h == nil {
		return
	}
	p.handlers[kind] = h
}

// OnTerminal installs the terminal-outcome hook.
func (p *Pool) OnTerminal(fn func(ctx context.Context, rec models.TaskRecord)) {
	p.onTerminal = fn
}

// Run starts the janitor and the base execution slots, then blocks until the
// context is cancelled and every slot has exited.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	p.mu.Lock()
	p.group = g
	p.ctx = gctx
	p.mu.Unlock()

	g.Go(func() error {
		p.janitor(gctx)
		return nil
	})
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.spawnSlot(nil)
	}
	<-gctx.Done()
	return g.Wait()
}

// Scale adjusts the number of slots dedicated to a queue. Positive deltas
// spawn new slots; negative deltas mark existing ones draining, so they finish
// their current task and exit without abandoning the claim.
func (p *Pool) Scale(queueName string, delta int) {
	if delta > 0 {
		for i := 0; i < delta; i++ {
			p.spawnSlot([]string{queueName})
		}
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if delta == 0 {
			break
		}
		if len(s.bound) == 1 && s.bound[0] == queueName && !s.drain.Load() {
			s.drain.Store(true)
			s.state.Store(models.WorkerDraining)
			delta++
		}
	}
}

func (p *Pool) spawnSlot(bound []string) {
	s := &slot{
		id:    "worker-" + uuid.New().String()[:8],
		bound: bound,
	}
	s.state.Store(models.WorkerIdle)

	p.mu.Lock()
	if p.group == nil {
		p.mu.Unlock()
		return
	}
	p.slots[s.id] = s
	g, ctx := p.group, p.ctx
	p.mu.Unlock()

	g.Go(func() error {
		p.runSlot(ctx, s)
		return nil
	})
}

func (p *Pool) dropSlot(s *slot) {
	p.mu.Lock()
	delete(p.slots, s.id)
	p.mu.Unlock()

	cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.RemoveWorker(cleanup, s.id); err != nil {
		log.WithError(err).WithField("worker_id", s.id).Warn("worker deregistration failed")
	}
}

// dedicatedCount counts live, non-draining slots bound to exactly one queue.
func (p *Pool) dedicatedCount(queueName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if len(s.bound) == 1 && s.bound[0] == queueName && !s.drain.Load() {
			n++
		}
	}
	return n
}

func (p *Pool) runSlot(ctx context.Context, s *slot) {
	defer p.dropSlot(s)
	telemetry.WorkerSlotsGauge.Inc()
	defer telemetry.WorkerSlotsGauge.Dec()

	if err := p.store.UpsertWorker(ctx, models.WorkerInfo{ID: s.id, State: models.WorkerIdle, BoundQueues: s.bound}); err != nil {
		log.WithError(err).WithField("worker_id", s.id).Warn("worker registration failed")
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go p.heartbeatLoop(hbCtx, s)

	log.WithFields(log.Fields{"worker_id": s.id, "queues": s.bound}).Info("execution slot started")
	for {
		if s.drain.Load() {
			log.WithField("worker_id", s.id).Info("execution slot drained")
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := p.queue.Dequeue(ctx, s.bound)
		if err != nil {
			// Broker trouble is an infrastructure error: back off and retry
			// the call itself, never charge it to any task.
			log.WithError(err).WithField("worker_id", s.id).Warn("dequeue failed")
			sleepCtx(ctx, p.cfg.InfraRetryInterval)
			continue
		}
		if id == "" {
			sleepCtx(ctx, p.cfg.PollInterval)
			continue
		}
		p.execute(ctx, s, id)
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context, s *slot) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, _ := s.state.Load().(string)
			if err := p.store.Heartbeat(ctx, s.id, state); err != nil {
				log.WithError(err).WithField("worker_id", s.id).Warn("heartbeat failed")
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, s *slot, id string) {
	rec, err := p.store.Claim(ctx, id, s.id, p.cfg.LeaseTimeout)
	if errors.Is(err, store.ErrClaimLost) || errors.Is(err, store.ErrNotFound) {
		// Already terminal, cancelled, or claimed elsewhere; drop the lease.
		_ = p.queue.Ack(ctx, id)
		return
	}
	if err != nil {
		// Leave the envelope in flight; lease expiry returns it to the backlog.
		log.WithError(err).WithField("task_id", id).Warn("claim failed")
		sleepCtx(ctx, p.cfg.InfraRetryInterval)
		return
	}

	s.state.Store(models.WorkerBusy)
	defer s.state.Store(models.WorkerIdle)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	fields := log.Fields{"task_id": rec.ID, "kind": rec.Kind, "worker_id": s.id, "attempt": rec.Attempt}
	result, runErr := p.dispatch(ctx, rec)
	if runErr == nil {
		if _, err := p.store.Complete(ctx, rec.ID, models.Outcome{Status: models.StatusSucceeded, Result: result}); err != nil {
			log.WithError(err).WithFields(fields).Warn("complete failed")
			return
		}
		_ = p.queue.Ack(ctx, rec.ID)
		telemetry.TaskSuccess.Inc()
		log.WithFields(fields).Info("task succeeded")
		rec.Status = models.StatusSucceeded
		rec.Result = result
		p.fireTerminal(ctx, rec)
		return
	}

	decision := p.policy.OnFailure(rec.Envelope, runErr)
	if decision.Abandon {
		if _, err := p.store.Complete(ctx, rec.ID, models.Outcome{Status: models.StatusAbandoned, Error: runErr.Error()}); err != nil {
			log.WithError(err).WithFields(fields).Warn("abandon failed")
			return
		}
		_ = p.queue.Ack(ctx, rec.ID)
		telemetry.TaskAbandoned.Inc()
		log.WithError(runErr).WithFields(fields).Error("task abandoned")
		rec.Status = models.StatusAbandoned
		msg := runErr.Error()
		rec.LastError = &msg
		p.fireTerminal(ctx, rec)
		return
	}

	updated, err := p.store.ScheduleRetry(ctx, rec.ID, rec.Attempt+1, decision.RetryAt, runErr.Error())
	if err != nil {
		log.WithError(err).WithFields(fields).Warn("retry scheduling failed")
		return
	}
	_ = p.queue.Ack(ctx, rec.ID)
	if err := p.queue.Enqueue(ctx, updated.Envelope); err != nil {
		// The janitor resyncs due pending tasks, so the envelope is not lost.
		log.WithError(err).WithFields(fields).Warn("retry enqueue failed")
	}
	telemetry.TaskRetries.Inc()
	log.WithError(runErr).WithFields(fields).WithField("next_run", decision.RetryAt.UTC().Format(time.RFC3339)).Warn("task failed, retry scheduled")
}

// dispatch resolves the handler and runs the task body under the stage
// timeout, converting panics into task errors.
func (p *Pool) dispatch(ctx context.Context, rec models.TaskRecord) (result json.RawMessage, err error) {
	handler, ok := p.handlers[rec.Kind]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("no handler registered for kind %q", rec.Kind))
	}
	taskCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"task_id": rec.ID, "kind": rec.Kind}).Errorf("task panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return handler(taskCtx, rec)
}

func (p *Pool) fireTerminal(ctx context.Context, rec models.TaskRecord) {
	if p.onTerminal == nil {
		return
	}
	p.onTerminal(ctx, rec)
}

// janitor runs the maintenance loop: promote due scheduled envelopes, reclaim
// expired leases and stale claims, resync due pending tasks into the broker,
// publish depth gauges, and reconcile dedicated slots against the desired
// counts set via the scaling API.
func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()

		if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
			log.WithError(err).Warn("scheduled promotion failed")
		}
		if ids, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
			log.WithError(err).Warn("expired lease requeue failed")
		} else if len(ids) > 0 {
			log.WithField("count", len(ids)).Info("requeued expired leases")
		}

		released, err := p.store.ReleaseStaleClaims(ctx, p.cfg.LeaseTimeout)
		if err != nil {
			log.WithError(err).Warn("stale claim release failed")
		}
		for _, rec := range released {
			telemetry.StaleReclaims.Inc()
			if err := p.queue.Enqueue(ctx, rec.Envelope); err != nil {
				log.WithError(err).WithField("task_id", rec.ID).Warn("reclaimed envelope enqueue failed")
			}
		}

		due, err := p.store.PendingDue(ctx, now, p.cfg.ScheduledBatchSize)
		if err != nil {
			log.WithError(err).Warn("pending resync scan failed")
		}
		for _, rec := range due {
			// Idempotent: envelopes already in the backlog are untouched.
			if err := p.queue.Enqueue(ctx, rec.Envelope); err != nil {
				log.WithError(err).WithField("task_id", rec.ID).Warn("pending resync enqueue failed")
			}
		}

		if depths, err := p.queue.Depths(ctx); err == nil {
			for name, depth := range depths {
				telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(depth))
			}
		}

		p.reconcileScale(ctx)
	}
}

func (p *Pool) reconcileScale(ctx context.Context) {
	desired, err := p.queue.DesiredSlots(ctx)
	if err != nil {
		log.WithError(err).Warn("desired slot read failed")
		return
	}
	for name, want := range desired {
		have := p.dedicatedCount(name)
		if want != have {
			log.WithFields(log.Fields{"queue": name, "have": have, "want": want}).Info("reconciling slots")
			p.Scale(name, want-have)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
