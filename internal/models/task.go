package models

import (
	"encoding/json"
	"time"
)

// Task lifecycle states persisted in the store.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
	StatusCancelled = "cancelled"
)

// Terminal reports whether a task status admits no further transitions.
// Failed is transient: the retry policy either reschedules the envelope or
// abandons it.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusAbandoned, StatusCancelled:
		return true
	}
	return false
}

// Envelope is one schedulable unit of work. The payload is opaque to the
// scheduling engine and immutable once enqueued; a retry re-enqueues the same
// envelope with a bumped attempt counter and a new not-before time.
type Envelope struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Queue       string          `json:"queue"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	NotBefore   time.Time       `json:"not_before"`
	// OrderID and StageIndex are set only for workflow stage tasks so the
	// orchestrator can resolve the owning workflow on completion.
	OrderID    string    `json:"order_id,omitempty"`
	StageIndex int       `json:"stage_index"`
	CreatedAt  time.Time `json:"created_at"`
}

// Outcome is the result a worker reports when a task reaches a terminal state.
type Outcome struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TaskRecord is the execution state of one envelope.
type TaskRecord struct {
	Envelope

	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	WorkerID       *string         `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// OutcomeCounts aggregates terminal outcomes over a rolling window.
type OutcomeCounts struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
}
