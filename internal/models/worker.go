package models

import "time"

// Worker states tracked via heartbeats. Dead is derived by the monitoring
// surface from heartbeat age, never written by the worker itself.
const (
	WorkerIdle     = "idle"
	WorkerBusy     = "busy"
	WorkerDraining = "draining"
	WorkerDead     = "dead"
)

// WorkerInfo describes one execution slot in the pool.
type WorkerInfo struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	BoundQueues   []string  `json:"bound_queues"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
