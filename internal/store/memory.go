package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"order-pipeline/internal/models"
)

// Memory is an in-process Store used for single-process development and
// tests. It honors the same claim/complete atomicity contract as Postgres,
// serialized by a mutex instead of row-level compare-and-set.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]*models.TaskRecord
	workflows map[string]*models.Workflow
	workers   map[string]*models.WorkerInfo
	events    []memEvent
}

type memEvent struct {
	taskID string
	event  string
	at     time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]*models.TaskRecord),
		workflows: make(map[string]*models.Workflow),
		workers:   make(map[string]*models.WorkerInfo),
	}
}

func (s *Memory) Close() {}

func (s *Memory) record(taskID, event string) {
	s.events = append(s.events, memEvent{taskID: taskID, event: event, at: time.Now()})
}

func (s *Memory) CreateTask(_ context.Context, env models.Envelope) (models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTaskLocked(env)
}

func (s *Memory) createTaskLocked(env models.Envelope) (models.TaskRecord, error) {
	if existing, ok := s.tasks[env.ID]; ok {
		return *existing, nil
	}
	now := time.Now()
	rec := &models.TaskRecord{
		Envelope:  env,
		Status:    models.StatusPending,
		UpdatedAt: now,
	}
	s.tasks[env.ID] = rec
	s.record(env.ID, EventEnqueued)
	return *rec, nil
}

func (s *Memory) GetTask(_ context.Context, id string) (models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return models.TaskRecord{}, ErrNotFound
	}
	return *rec, nil
}

func (s *Memory) Claim(_ context.Context, id, workerID string, lease time.Duration) (models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return models.TaskRecord{}, ErrNotFound
	}
	if rec.Status != models.StatusPending {
		return models.TaskRecord{}, ErrClaimLost
	}
	now := time.Now()
	deadline := now.Add(lease)
	rec.Status = models.StatusRunning
	rec.WorkerID = &workerID
	rec.LeaseExpiresAt = &deadline
	if rec.StartedAt == nil {
		rec.StartedAt = &now
	}
	rec.UpdatedAt = now
	s.record(id, EventClaimed)
	return *rec, nil
}

func (s *Memory) Complete(_ context.Context, id string, outcome models.Outcome) (bool, error) {
	if !models.Terminal(outcome.Status) {
		return false, fmt.Errorf("complete %s: %q is not a terminal status", id, outcome.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return false, ErrNotFound
	}
	if models.Terminal(rec.Status) {
		return false, nil
	}
	now := time.Now()
	rec.Status = outcome.Status
	rec.Result = outcome.Result
	if outcome.Error != "" {
		msg := outcome.Error
		rec.LastError = &msg
	}
	rec.WorkerID = nil
	rec.LeaseExpiresAt = nil
	rec.FinishedAt = &now
	rec.UpdatedAt = now
	s.record(id, outcome.Status)
	return true, nil
}

func (s *Memory) ScheduleRetry(_ context.Context, id string, attempt int, notBefore time.Time, cause string) (models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return models.TaskRecord{}, ErrNotFound
	}
	if models.Terminal(rec.Status) {
		return models.TaskRecord{}, ErrNotFound
	}
	rec.Status = models.StatusPending
	rec.Attempt = attempt
	rec.NotBefore = notBefore
	rec.LastError = &cause
	rec.WorkerID = nil
	rec.LeaseExpiresAt = nil
	rec.UpdatedAt = time.Now()
	s.record(id, EventRetryScheduled)
	return *rec, nil
}

func (s *Memory) ReleaseStaleClaims(_ context.Context, leaseTimeout time.Duration) ([]models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-leaseTimeout)

	var out []models.TaskRecord
	for _, rec := range s.tasks {
		if rec.Status != models.StatusRunning {
			continue
		}
		stale := rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.Before(now)
		if !stale && rec.WorkerID != nil {
			if w, ok := s.workers[*rec.WorkerID]; ok && w.LastHeartbeat.Before(cutoff) {
				stale = true
			}
		}
		if !stale {
			continue
		}
		rec.Status = models.StatusPending
		rec.WorkerID = nil
		rec.LeaseExpiresAt = nil
		rec.UpdatedAt = now
		s.record(rec.ID, EventReclaimed)
		out = append(out, *rec)
	}
	return out, nil
}

func (s *Memory) PendingDue(_ context.Context, now time.Time, limit int) ([]models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TaskRecord
	for _, rec := range s.tasks {
		if rec.Status == models.StatusPending && !rec.NotBefore.After(now) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) CreateWorkflow(_ context.Context, orderID string, first models.Envelope) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if wf, ok := s.workflows[orderID]; ok && wf.Status == models.WorkflowActive {
		return models.Workflow{}, ErrAlreadyStarted
	}
	wf := &models.Workflow{
		OrderID:       orderID,
		StageIndex:    0,
		Status:        models.WorkflowActive,
		Cancelled:     false,
		CurrentTaskID: first.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.workflows[orderID] = wf
	if _, err := s.createTaskLocked(first); err != nil {
		return models.Workflow{}, err
	}
	return *wf, nil
}

func (s *Memory) GetWorkflow(_ context.Context, orderID string) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[orderID]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	return *wf, nil
}

func (s *Memory) AdvanceWorkflow(_ context.Context, orderID, completedTaskID string, next models.Envelope) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[orderID]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	if wf.Status != models.WorkflowActive || wf.CurrentTaskID != completedTaskID {
		return *wf, nil
	}
	wf.StageIndex++
	wf.CurrentTaskID = next.ID
	wf.UpdatedAt = time.Now()
	if _, err := s.createTaskLocked(next); err != nil {
		return models.Workflow{}, err
	}
	return *wf, nil
}

func (s *Memory) FinishWorkflow(_ context.Context, orderID, status string) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[orderID]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	if wf.Status == models.WorkflowActive {
		wf.Status = status
		wf.CurrentTaskID = ""
		wf.UpdatedAt = time.Now()
	}
	return *wf, nil
}

func (s *Memory) CancelWorkflow(_ context.Context, orderID string) (models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[orderID]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	wf.Cancelled = true
	wf.UpdatedAt = time.Now()
	return *wf, nil
}

func (s *Memory) StalledWorkflows(_ context.Context, limit int) ([]models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TaskRecord
	for _, wf := range s.workflows {
		if wf.Status != models.WorkflowActive || wf.CurrentTaskID == "" {
			continue
		}
		rec, ok := s.tasks[wf.CurrentTaskID]
		if ok && models.Terminal(rec.Status) {
			out = append(out, *rec)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) UpsertWorker(_ context.Context, w models.WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.LastHeartbeat = time.Now()
	s.workers[w.ID] = &w
	return nil
}

func (s *Memory) Heartbeat(_ context.Context, workerID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil
	}
	w.State = state
	w.LastHeartbeat = time.Now()
	return nil
}

func (s *Memory) ListWorkers(_ context.Context) ([]models.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Memory) RemoveWorker(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	return nil
}

func (s *Memory) OutcomeCounts(_ context.Context, window time.Duration) (models.OutcomeCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var counts models.OutcomeCounts
	for _, ev := range s.events {
		if ev.at.Before(cutoff) {
			continue
		}
		switch ev.event {
		case EventSucceeded:
			counts.Succeeded++
		case EventRetryScheduled:
			counts.Failed++
		case EventAbandoned:
			counts.Abandoned++
		}
	}
	return counts, nil
}
