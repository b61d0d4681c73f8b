package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-pipeline/internal/models"
)

// Postgres persists pipeline state with pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, kind, queue, priority, payload, status, attempt, max_attempts,
	not_before, order_id, stage_index, result, last_error, worker_id,
	lease_expires_at, started_at, finished_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (models.TaskRecord, error) {
	var (
		rec      models.TaskRecord
		payload  []byte
		result   []byte
		orderID  pgtype.Text
		lastErr  pgtype.Text
		workerID pgtype.Text
		leaseAt  pgtype.Timestamptz
		started  pgtype.Timestamptz
		finished pgtype.Timestamptz
	)
	err := row.Scan(
		&rec.ID, &rec.Kind, &rec.Queue, &rec.Priority, &payload, &rec.Status,
		&rec.Attempt, &rec.MaxAttempts, &rec.NotBefore, &orderID, &rec.StageIndex,
		&result, &lastErr, &workerID, &leaseAt, &started, &finished,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TaskRecord{}, ErrNotFound
	}
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("scan task: %w", err)
	}
	rec.Payload = payload
	rec.Result = result
	if orderID.Valid {
		rec.OrderID = orderID.String
	}
	rec.LastError = textPtr(lastErr)
	rec.WorkerID = textPtr(workerID)
	rec.LeaseExpiresAt = timePtr(leaseAt)
	rec.StartedAt = timePtr(started)
	rec.FinishedAt = timePtr(finished)
	return rec, nil
}

// CreateTask inserts a pending task row for the envelope. Reinserting a known
// id is a no-op returning the stored record, so enqueue retries stay safe.
func (s *Postgres) CreateTask(ctx context.Context, env models.Envelope) (models.TaskRecord, error) {
	payload := env.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, queue, priority, payload, status, attempt, max_attempts, not_before, order_id, stage_index, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $12)
		ON CONFLICT (id) DO NOTHING
	`, env.ID, env.Kind, env.Queue, env.Priority, payload, models.StatusPending,
		env.Attempt, env.MaxAttempts, env.NotBefore, env.OrderID, env.StageIndex, env.CreatedAt)
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() > 0 {
		s.appendEvent(ctx, env.ID, EventEnqueued, "queue="+env.Queue)
	}
	return s.GetTask(ctx, env.ID)
}

// GetTask fetches a task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (models.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// Claim transitions pending -> running with a compare-and-set on status, so
// concurrent claimers get exactly one winner.
func (s *Postgres) Claim(ctx context.Context, id, workerID string, lease time.Duration) (models.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, worker_id = $3, lease_expires_at = NOW() + $4,
		    started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = $5
		RETURNING `+taskColumns,
		id, models.StatusRunning, workerID, lease, models.StatusPending)
	rec, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return models.TaskRecord{}, getErr
		}
		return models.TaskRecord{}, ErrClaimLost
	}
	if err != nil {
		return models.TaskRecord{}, err
	}
	s.appendEvent(ctx, id, EventClaimed, "worker="+workerID)
	return rec, nil
}

// Complete records a terminal outcome; completing an already terminal task is
// a no-op reporting false.
func (s *Postgres) Complete(ctx context.Context, id string, outcome models.Outcome) (bool, error) {
	if !models.Terminal(outcome.Status) {
		return false, fmt.Errorf("complete %s: %q is not a terminal status", id, outcome.Status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, result = $3, last_error = NULLIF($4, ''),
		    worker_id = NULL, lease_expires_at = NULL,
		    finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, outcome.Status, nullableJSON(outcome.Result), outcome.Error,
		models.StatusPending, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	s.appendEvent(ctx, id, outcome.Status, outcome.Error)
	return true, nil
}

// ScheduleRetry returns a failed task to pending with its backoff deadline.
func (s *Postgres) ScheduleRetry(ctx context.Context, id string, attempt int, notBefore time.Time, cause string) (models.TaskRecord, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, attempt = $3, not_before = $4, last_error = $5,
		    worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($6, $7)
		RETURNING `+taskColumns,
		id, models.StatusPending, attempt, notBefore, cause,
		models.StatusRunning, models.StatusPending)
	rec, err := scanTask(row)
	if err != nil {
		return models.TaskRecord{}, err
	}
	s.appendEvent(ctx, id, EventRetryScheduled, fmt.Sprintf("attempt=%d next=%s", attempt, notBefore.UTC().Format(time.RFC3339)))
	return rec, nil
}

// ReleaseStaleClaims reverts running tasks held by dead workers or expired
// leases back to pending, attempt unchanged.
func (s *Postgres) ReleaseStaleClaims(ctx context.Context, leaseTimeout time.Duration) ([]models.TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE tasks
		SET status = $1, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE status = $2 AND (
			lease_expires_at < NOW()
			OR worker_id IN (SELECT id FROM workers WHERE last_heartbeat < NOW() - $3)
		)
		RETURNING `+taskColumns,
		models.StatusPending, models.StatusRunning, leaseTimeout)
	if err != nil {
		return nil, fmt.Errorf("release stale claims: %w", err)
	}
	defer rows.Close()

	var out []models.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range out {
		s.appendEvent(ctx, rec.ID, EventReclaimed, "lease expired")
	}
	return out, nil
}

// PendingDue lists pending tasks whose not-before time has passed.
func (s *Postgres) PendingDue(ctx context.Context, now time.Time, limit int) ([]models.TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND not_before <= $2
		ORDER BY not_before
		LIMIT $3
	`, models.StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pending due: %w", err)
	}
	defer rows.Close()

	var out []models.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateWorkflow records the workflow and its first stage task atomically.
// A previous terminal workflow for the same order is restarted in place.
func (s *Postgres) CreateWorkflow(ctx context.Context, orderID string, first models.Envelope) (models.Workflow, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Workflow{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM workflows WHERE order_id = $1 FOR UPDATE`, orderID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO workflows (order_id, stage_index, status, cancelled, current_task_id)
			VALUES ($1, 0, $2, FALSE, $3)
		`, orderID, models.WorkflowActive, first.ID)
	case err != nil:
		return models.Workflow{}, fmt.Errorf("lock workflow: %w", err)
	case status == models.WorkflowActive:
		return models.Workflow{}, ErrAlreadyStarted
	default:
		_, err = tx.Exec(ctx, `
			UPDATE workflows
			SET stage_index = 0, status = $2, cancelled = FALSE, current_task_id = $3, updated_at = NOW()
			WHERE order_id = $1
		`, orderID, models.WorkflowActive, first.ID)
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("upsert workflow: %w", err)
	}

	if err := insertTaskTx(ctx, tx, first); err != nil {
		return models.Workflow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Workflow{}, fmt.Errorf("commit: %w", err)
	}
	s.appendEvent(ctx, first.ID, EventEnqueued, "queue="+first.Queue)
	return s.GetWorkflow(ctx, orderID)
}

func insertTaskTx(ctx context.Context, tx pgx.Tx, env models.Envelope) error {
	payload := env.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, kind, queue, priority, payload, status, attempt, max_attempts, not_before, order_id, stage_index, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $12)
		ON CONFLICT (id) DO NOTHING
	`, env.ID, env.Kind, env.Queue, env.Priority, payload, models.StatusPending,
		env.Attempt, env.MaxAttempts, env.NotBefore, env.OrderID, env.StageIndex, env.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stage task: %w", err)
	}
	return nil
}

// GetWorkflow fetches the workflow for an order.
func (s *Postgres) GetWorkflow(ctx context.Context, orderID string) (models.Workflow, error) {
	return scanWorkflow(s.pool.QueryRow(ctx, `
		SELECT order_id, stage_index, status, cancelled, current_task_id, created_at, updated_at
		FROM workflows WHERE order_id = $1
	`, orderID))
}

func scanWorkflow(row rowScanner) (models.Workflow, error) {
	var wf models.Workflow
	var current pgtype.Text
	err := row.Scan(&wf.OrderID, &wf.StageIndex, &wf.Status, &wf.Cancelled, &current, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Workflow{}, ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("scan workflow: %w", err)
	}
	if current.Valid {
		wf.CurrentTaskID = current.String
	}
	return wf, nil
}

// AdvanceWorkflow moves the stage pointer forward and records the next stage
// task in one transaction. The completed-task guard makes duplicate completion
// delivery a no-op, preserving at most one in-flight stage per workflow.
func (s *Postgres) AdvanceWorkflow(ctx context.Context, orderID, completedTaskID string, next models.Envelope) (models.Workflow, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Workflow{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE workflows
		SET stage_index = stage_index + 1, current_task_id = $3, updated_at = NOW()
		WHERE order_id = $1 AND current_task_id = $2 AND status = $4
	`, orderID, completedTaskID, next.ID, models.WorkflowActive)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("advance workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Duplicate delivery of the same completion; the pointer already moved.
		return s.GetWorkflow(ctx, orderID)
	}
	if err := insertTaskTx(ctx, tx, next); err != nil {
		return models.Workflow{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Workflow{}, fmt.Errorf("commit: %w", err)
	}
	s.appendEvent(ctx, next.ID, EventEnqueued, "queue="+next.Queue)
	return s.GetWorkflow(ctx, orderID)
}

// FinishWorkflow moves an active workflow to a terminal state.
func (s *Postgres) FinishWorkflow(ctx context.Context, orderID, status string) (models.Workflow, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status = $2, current_task_id = NULL, updated_at = NOW()
		WHERE order_id = $1 AND status = $3
	`, orderID, status, models.WorkflowActive)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("finish workflow: %w", err)
	}
	return s.GetWorkflow(ctx, orderID)
}

// CancelWorkflow sets the sticky cancelled flag.
func (s *Postgres) CancelWorkflow(ctx context.Context, orderID string) (models.Workflow, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflows SET cancelled = TRUE, updated_at = NOW() WHERE order_id = $1
	`, orderID)
	if err != nil {
		return models.Workflow{}, fmt.Errorf("cancel workflow: %w", err)
	}
	return s.GetWorkflow(ctx, orderID)
}

// StalledWorkflows lists active workflows whose current stage task is already
// terminal.
func (s *Postgres) StalledWorkflows(ctx context.Context, limit int) ([]models.TaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.kind, t.queue, t.priority, t.payload, t.status, t.attempt, t.max_attempts,
			t.not_before, t.order_id, t.stage_index, t.result, t.last_error, t.worker_id,
			t.lease_expires_at, t.started_at, t.finished_at, t.created_at, t.updated_at
		FROM workflows w
		JOIN tasks t ON t.id = w.current_task_id
		WHERE w.status = $1 AND t.status IN ($2, $3, $4)
		LIMIT $5
	`, models.WorkflowActive, models.StatusSucceeded, models.StatusAbandoned, models.StatusCancelled, limit)
	if err != nil {
		return nil, fmt.Errorf("stalled workflows: %w", err)
	}
	defer rows.Close()

	var out []models.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertWorker registers or refreshes an execution slot.
func (s *Postgres) UpsertWorker(ctx context.Context, w models.WorkerInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, state, bound_queues, last_heartbeat)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET state = $2, bound_queues = $3, last_heartbeat = NOW()
	`, w.ID, w.State, w.BoundQueues)
	return err
}

// Heartbeat refreshes a worker's liveness and state.
func (s *Postgres) Heartbeat(ctx context.Context, workerID, state string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workers SET state = $2, last_heartbeat = NOW() WHERE id = $1
	`, workerID, state)
	return err
}

// ListWorkers returns all known workers.
func (s *Postgres) ListWorkers(ctx context.Context) ([]models.WorkerInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, state, bound_queues, last_heartbeat FROM workers ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []models.WorkerInfo
	for rows.Next() {
		var w models.WorkerInfo
		if err := rows.Scan(&w.ID, &w.State, &w.BoundQueues, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RemoveWorker deregisters a drained slot.
func (s *Postgres) RemoveWorker(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workers WHERE id = $1`, workerID)
	return err
}

// OutcomeCounts aggregates terminal task events over the trailing window.
func (s *Postgres) OutcomeCounts(ctx context.Context, window time.Duration) (models.OutcomeCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event, COUNT(*) FROM task_events
		WHERE ts > NOW() - $1 AND event IN ($2, $3, $4)
		GROUP BY event
	`, window, EventSucceeded, EventRetryScheduled, EventAbandoned)
	if err != nil {
		return models.OutcomeCounts{}, fmt.Errorf("outcome counts: %w", err)
	}
	defer rows.Close()

	var counts models.OutcomeCounts
	for rows.Next() {
		var event string
		var n int64
		if err := rows.Scan(&event, &n); err != nil {
			return models.OutcomeCounts{}, err
		}
		switch event {
		case EventSucceeded:
			counts.Succeeded = n
		case EventRetryScheduled:
			counts.Failed = n
		case EventAbandoned:
			counts.Abandoned = n
		}
	}
	return counts, rows.Err()
}

// appendEvent records a task event row. Event rows are observability data;
// failures are swallowed so they never fail the calling operation.
func (s *Postgres) appendEvent(ctx context.Context, taskID, event, detail string) {
	_, _ = s.pool.Exec(ctx, `
		INSERT INTO task_events (task_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
