package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"order-pipeline/internal/models"
	"order-pipeline/internal/store"
	"order-pipeline/internal/telemetry"
)

// Stage is one step of the fixed order-processing sequence, routed to its
// domain queue.
type Stage struct {
	Kind     string
	Queue    string
	Priority int
}

// DefaultStages mirrors the production order pipeline: validation and payment
// first at high priority, then restaurant confirmation, courier dispatch, and
// the delivered notification.
func DefaultStages() []Stage {
	return []Stage{
		{Kind: "validate_order", Queue: "orders", Priority: 10},
		{Kind: "charge_payment", Queue: "payments", Priority: 9},
		{Kind: "confirm_restaurant", Queue: "notifications", Priority: 6},
		{Kind: "dispatch_delivery", Queue: "delivery", Priority: 7},
		{Kind: "mark_delivered", Queue: "notifications", Priority: 6},
	}
}

// Enqueuer is the slice of the queue registry the orchestrator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, env models.Envelope) error
}

// Notifier delivers the operational alert for abandoned workflows.
type Notifier interface {
	Notify(ctx context.Context, channel, recipient, message string) error
}

// StagePayload is the payload carried by every stage envelope so completion
// handling can resolve the owning workflow.
type StagePayload struct {
	OrderID string `json:"order_id"`
	Stage   string `json:"stage"`
}

// Orchestrator drives the per-order stage state machine. Stage tasks execute
// on the worker pool; the orchestrator reacts to their terminal outcomes and
// keeps at most one stage in flight per order.
type Orchestrator struct {
	store       store.Store
	queue       Enqueuer
	notifier    Notifier
	stages      []Stage
	maxAttempts int
	resyncEvery time.Duration
}

// New builds an orchestrator over the given stage list.
func New(st store.Store, q Enqueuer, n Notifier, stages []Stage, maxAttempts int) *Orchestrator {
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Orchestrator{
		store:       st,
		queue:       q,
		notifier:    n,
		stages:      stages,
		maxAttempts: maxAttempts,
		resyncEvery: 5 * time.Second,
	}
}

// Stages returns the configured stage list.
func (o *Orchestrator) Stages() []Stage {
	out := make([]Stage, len(o.stages))
	copy(out, o.stages)
	return out
}

func (o *Orchestrator) stageEnvelope(orderID string, idx int) (models.Envelope, error) {
	st := o.stages[idx]
	payload, err := json.Marshal(StagePayload{OrderID: orderID, Stage: st.Kind})
	if err != nil {
		return models.Envelope{}, fmt.Errorf("marshal stage payload: %w", err)
	}
	now := time.Now()
	return models.Envelope{
		ID:          uuid.New().String(),
		Kind:        st.Kind,
		Payload:     payload,
		Queue:       st.Queue,
		Priority:    st.Priority,
		MaxAttempts: o.maxAttempts,
		NotBefore:   now,
		OrderID:     orderID,
		StageIndex:  idx,
		CreatedAt:   now,
	}, nil
}

// Start creates the workflow for an order and enqueues its first stage.
// Returns store.ErrAlreadyStarted when a non-terminal workflow exists.
func (o *Orchestrator) Start(ctx context.Context, orderID string) (models.Workflow, error) {
	if orderID == "" {
		return models.Workflow{}, fmt.Errorf("order id is required")
	}
	env, err := o.stageEnvelope(orderID, 0)
	if err != nil {
		return models.Workflow{}, err
	}
	wf, err := o.store.CreateWorkflow(ctx, orderID, env)
	if err != nil {
		return models.Workflow{}, err
	}
	if err := o.queue.Enqueue(ctx, env); err != nil {
		return models.Workflow{}, fmt.Errorf("enqueue first stage: %w", err)
	}
	telemetry.EnqueueCounter.Inc()
	log.WithFields(log.Fields{"order_id": orderID, "stage": env.Kind}).Info("workflow started")
	return wf, nil
}

// Cancel flips the sticky cancelled flag. A running stage finishes and its
// completion observes the flag; no further stage is enqueued.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (models.Workflow, error) {
	wf, err := o.store.CancelWorkflow(ctx, orderID)
	if err != nil {
		return models.Workflow{}, err
	}
	log.WithField("order_id", orderID).Info("workflow cancel requested")
	return wf, nil
}

// Status reports the workflow position plus the current stage task's status.
func (o *Orchestrator) Status(ctx context.Context, orderID string) (models.WorkflowStatus, error) {
	wf, err := o.store.GetWorkflow(ctx, orderID)
	if err != nil {
		return models.WorkflowStatus{}, err
	}
	status := models.WorkflowStatus{
		OrderID:    wf.OrderID,
		StageIndex: wf.StageIndex,
		Status:     wf.Status,
		Cancelled:  wf.Cancelled,
	}
	if wf.StageIndex >= 0 && wf.StageIndex < len(o.stages) {
		status.Stage = o.stages[wf.StageIndex].Kind
	}
	if wf.CurrentTaskID != "" {
		if rec, err := o.store.GetTask(ctx, wf.CurrentTaskID); err == nil {
			status.StageStatus = rec.Status
		}
	} else {
		status.StageStatus = wf.Status
	}
	return status, nil
}

// OnTaskFinished advances the state machine for a terminal stage task. The
// worker pool invokes it after Complete; it is safe to deliver the same
// outcome more than once.
func (o *Orchestrator) OnTaskFinished(ctx context.Context, rec models.TaskRecord) error {
	if rec.OrderID == "" {
		return nil
	}
	wf, err := o.store.GetWorkflow(ctx, rec.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		log.WithField("order_id", rec.OrderID).Warn("stage task finished for unknown workflow")
		return nil
	}
	if err != nil {
		return err
	}
	if wf.Status != models.WorkflowActive || wf.CurrentTaskID != rec.ID {
		return nil
	}

	switch rec.Status {
	case models.StatusSucceeded:
		if wf.Cancelled {
			_, err := o.store.FinishWorkflow(ctx, rec.OrderID, models.WorkflowCancelled)
			return err
		}
		if rec.StageIndex >= len(o.stages)-1 {
			if _, err := o.store.FinishWorkflow(ctx, rec.OrderID, models.WorkflowCompleted); err != nil {
				return err
			}
			telemetry.WorkflowsCompleted.Inc()
			log.WithField("order_id", rec.OrderID).Info("workflow completed")
			return nil
		}
		next, err := o.stageEnvelope(rec.OrderID, rec.StageIndex+1)
		if err != nil {
			return err
		}
		advanced, err := o.store.AdvanceWorkflow(ctx, rec.OrderID, rec.ID, next)
		if err != nil {
			return err
		}
		if advanced.CurrentTaskID != next.ID {
			// Another delivery of this completion won the advance.
			return nil
		}
		if err := o.queue.Enqueue(ctx, next); err != nil {
			return fmt.Errorf("enqueue stage %s: %w", next.Kind, err)
		}
		telemetry.EnqueueCounter.Inc()
		return nil

	case models.StatusAbandoned:
		if _, err := o.store.FinishWorkflow(ctx, rec.OrderID, models.WorkflowAbandoned); err != nil {
			return err
		}
		telemetry.WorkflowsAbandoned.Inc()
		log.WithFields(log.Fields{"order_id": rec.OrderID, "stage": rec.Kind}).Error("workflow abandoned")
		if o.notifier != nil {
			msg := fmt.Sprintf("order %s abandoned at stage %s: %s", rec.OrderID, rec.Kind, deref(rec.LastError))
			if err := o.notifier.Notify(ctx, "ops", "oncall", msg); err != nil {
				log.WithError(err).Warn("abandonment alert failed")
			}
		}
		return nil

	case models.StatusCancelled:
		_, err := o.store.FinishWorkflow(ctx, rec.OrderID, models.WorkflowCancelled)
		return err
	}
	return nil
}

// Run periodically re-drives workflows whose completion handling was cut off
// between marking the stage terminal and advancing the pointer.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.resyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stalled, err := o.store.StalledWorkflows(ctx, 100)
			if err != nil {
				log.WithError(err).Warn("stalled workflow scan failed")
				continue
			}
			for _, rec := range stalled {
				if err := o.OnTaskFinished(ctx, rec); err != nil {
					log.WithError(err).WithField("order_id", rec.OrderID).Warn("stalled workflow resync failed")
				}
			}
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
