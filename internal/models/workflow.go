package models

import "time"

// Workflow states. Active workflows point at the currently in-flight stage;
// the rest are terminal.
const (
	WorkflowActive    = "active"
	WorkflowCompleted = "completed"
	WorkflowAbandoned = "abandoned"
	WorkflowCancelled = "cancelled"
)

// Workflow tracks the fixed order-processing stage sequence for one order.
// At most one stage task is pending or running per workflow at any time.
type Workflow struct {
	OrderID       string    `json:"order_id"`
	StageIndex    int       `json:"stage_index"`
	Status        string    `json:"status"`
	Cancelled     bool      `json:"cancelled"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WorkflowStatus is the external status view returned by the API.
type WorkflowStatus struct {
	OrderID     string `json:"order_id"`
	StageIndex  int    `json:"stage_index"`
	Stage       string `json:"stage"`
	StageStatus string `json:"stage_status"`
	Status      string `json:"status"`
	Cancelled   bool   `json:"cancelled"`
}
