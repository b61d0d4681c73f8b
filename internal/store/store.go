package store

import (
	"context"
	"errors"
	"time"

	"order-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when a task or workflow id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrClaimLost is returned when a claim races another worker or the task
	// has already left the pending state.
	ErrClaimLost = errors.New("claim lost")
	// ErrAlreadyStarted is returned when a non-terminal workflow already
	// exists for the order.
	ErrAlreadyStarted = errors.New("workflow already started")
)

// Task event names recorded for the monitoring window.
const (
	EventEnqueued       = "enqueued"
	EventClaimed        = "claimed"
	EventSucceeded      = "succeeded"
	EventRetryScheduled = "retry_scheduled"
	EventAbandoned      = "abandoned"
	EventCancelled      = "cancelled"
	EventReclaimed      = "reclaimed"
)

// Store is the durable source of truth for envelopes, execution records,
// workflow state machines, and worker liveness. Claim and Complete are the
// only operations needing atomicity guarantees; everything else may be read
// eventually-consistently by monitoring.
type Store interface {
	// CreateTask persists a new envelope in the pending state.
	CreateTask(ctx context.Context, env models.Envelope) (models.TaskRecord, error)
	GetTask(ctx context.Context, id string) (models.TaskRecord, error)

	// Claim transitions pending -> running for exactly one caller. Concurrent
	// claims on the same id race on a compare-and-set; losers get ErrClaimLost.
	Claim(ctx context.Context, id, workerID string, lease time.Duration) (models.TaskRecord, error)

	// Complete records a terminal outcome. A second completion of an already
	// terminal task is a no-op and reports false, tolerating duplicate
	// delivery.
	Complete(ctx context.Context, id string, outcome models.Outcome) (bool, error)

	// ScheduleRetry returns a failed task to pending with the bumped attempt
	// counter and its backoff deadline.
	ScheduleRetry(ctx context.Context, id string, attempt int, notBefore time.Time, cause string) (models.TaskRecord, error)

	// ReleaseStaleClaims reverts running tasks whose lease expired or whose
	// worker stopped heartbeating. Attempts are untouched: a crash is not a
	// task failure.
	ReleaseStaleClaims(ctx context.Context, leaseTimeout time.Duration) ([]models.TaskRecord, error)

	// PendingDue lists pending tasks whose not-before time has passed, so the
	// janitor can resync the broker backlog after a partial enqueue.
	PendingDue(ctx context.Context, now time.Time, limit int) ([]models.TaskRecord, error)

	// CreateWorkflow atomically records the workflow and its first stage task.
	CreateWorkflow(ctx context.Context, orderID string, first models.Envelope) (models.Workflow, error)
	GetWorkflow(ctx context.Context, orderID string) (models.Workflow, error)

	// AdvanceWorkflow moves the stage pointer forward and records the next
	// stage task in one transaction, guarded by the completed task id so a
	// duplicate completion can never enqueue a second in-flight stage.
	AdvanceWorkflow(ctx context.Context, orderID, completedTaskID string, next models.Envelope) (models.Workflow, error)

	// FinishWorkflow moves an active workflow to a terminal state. Finishing
	// an already terminal workflow is a no-op.
	FinishWorkflow(ctx context.Context, orderID, status string) (models.Workflow, error)

	// CancelWorkflow sets the sticky cancelled flag. The in-flight stage, if
	// any, runs to completion and observes the flag afterwards.
	CancelWorkflow(ctx context.Context, orderID string) (models.Workflow, error)

	// StalledWorkflows lists active workflows whose current stage task is
	// already terminal, i.e. the completion handler crashed between marking
	// the task and advancing the pointer. The orchestrator re-drives these.
	StalledWorkflows(ctx context.Context, limit int) ([]models.TaskRecord, error)

	UpsertWorker(ctx context.Context, w models.WorkerInfo) error
	Heartbeat(ctx context.Context, workerID, state string) error
	ListWorkers(ctx context.Context) ([]models.WorkerInfo, error)
	RemoveWorker(ctx context.Context, workerID string) error

	// OutcomeCounts aggregates succeeded/failed/abandoned task events over the
	// trailing window.
	OutcomeCounts(ctx context.Context, window time.Duration) (models.OutcomeCounts, error)

	Close()
}
