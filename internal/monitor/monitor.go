package monitor

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"order-pipeline/internal/config"
	"order-pipeline/internal/models"
	"order-pipeline/internal/store"
)

// Unknown marks a stat the monitor could not read. An unreachable broker or
// store degrades the snapshot, never the monitor itself.
const Unknown = "unknown"

// QueueSource is the slice of the queue registry the monitor reads.
type QueueSource interface {
	Queues() []config.QueueSpec
	Depth(ctx context.Context, name string) (int64, error)
	OldestAge(ctx context.Context, name string, now time.Time) (time.Duration, error)
	Tokens(ctx context.Context, name string) (float64, error)
}

// QueueStats is one queue's view in the snapshot. Nil pointers render as
// "unknown" fields for stats that could not be read.
type QueueStats struct {
	Name             string   `json:"name"`
	Weight           int      `json:"weight"`
	Backlog          *int64   `json:"backlog,omitempty"`
	OldestAgeSeconds *float64 `json:"oldest_age_seconds,omitempty"`
	RateTokens       *float64 `json:"rate_tokens,omitempty"`
	Status           string   `json:"status"`
}

// WorkerStats is one worker's view. A worker whose heartbeat is older than
// the dead threshold is reported dead but never removed here.
type WorkerStats struct {
	ID                  string   `json:"id"`
	State               string   `json:"state"`
	BoundQueues         []string `json:"bound_queues,omitempty"`
	HeartbeatAgeSeconds float64  `json:"heartbeat_age_seconds"`
}

// OutcomeStats summarizes terminal outcomes over the rolling window.
type OutcomeStats struct {
	WindowSeconds float64 `json:"window_seconds"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	Abandoned     int64   `json:"abandoned"`
	FailureRate   float64 `json:"failure_rate"`
	Status        string  `json:"status"`
}

// ScalingSignal compares backlog growth against drain rate between two
// snapshots and suggests a direction per queue.
type ScalingSignal struct {
	Queue      string `json:"queue"`
	Suggestion string `json:"suggestion"` // scale_up, scale_down, hold
	Backlog    int64  `json:"backlog"`
	DeltaPers  int64  `json:"backlog_delta"`
}

// Snapshot is the full monitoring view served by the stats endpoint.
type Snapshot struct {
	At       time.Time       `json:"at"`
	Queues   []QueueStats    `json:"queues"`
	Workers  []WorkerStats   `json:"workers"`
	Outcomes OutcomeStats    `json:"outcomes"`
	Scaling  []ScalingSignal `json:"scaling"`
}

// Monitor reads broker and store state into snapshots. Every read failure
// degrades the affected stat to unknown; Snapshot never returns an error.
type Monitor struct {
	queues    QueueSource
	store     store.Store
	window    time.Duration
	deadAfter time.Duration

	mu        sync.Mutex
	lastSeen  map[string]int64
	lastTaken time.Time
}

func New(q QueueSource, st store.Store, cfg config.Config) *Monitor {
	return &Monitor{
		queues:    q,
		store:     st,
		window:    cfg.MonitorWindow,
		deadAfter: cfg.DeadAfter,
		lastSeen:  make(map[string]int64),
	}
}

// Snapshot assembles the current view.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	now := time.Now().UTC()
	snap := Snapshot{At: now}
	snap.Queues = m.queueStats(ctx, now)
	snap.Workers = m.workerStats(ctx, now)
	snap.Outcomes = m.outcomeStats(ctx)
	snap.Scaling = m.scalingSignals(now, snap.Queues)
	return snap
}

func (m *Monitor) queueStats(ctx context.Context, now time.Time) []QueueStats {
	specs := m.queues.Queues()
	out := make([]QueueStats, 0, len(specs))
	for _, spec := range specs {
		qs := QueueStats{Name: spec.Name, Weight: spec.Weight, Status: "ok"}

		if depth, err := m.queues.Depth(ctx, spec.Name); err != nil {
			log.WithError(err).WithField("queue", spec.Name).Warn("backlog read failed")
			qs.Status = Unknown
		} else {
			qs.Backlog = &depth
		}

		if age, err := m.queues.OldestAge(ctx, spec.Name, now); err != nil {
			qs.Status = Unknown
		} else {
			secs := age.Seconds()
			qs.OldestAgeSeconds = &secs
		}

		if spec.Capacity > 0 {
			if tokens, err := m.queues.Tokens(ctx, spec.Name); err != nil {
				qs.Status = Unknown
			} else {
				qs.RateTokens = &tokens
			}
		}
		out = append(out, qs)
	}
	return out
}

func (m *Monitor) workerStats(ctx context.Context, now time.Time) []WorkerStats {
	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		log.WithError(err).Warn("worker list read failed")
		return []WorkerStats{{ID: Unknown, State: Unknown}}
	}
	out := make([]WorkerStats, 0, len(workers))
	for _, w := range workers {
		age := now.Sub(w.LastHeartbeat)
		state := w.State
		if age > m.deadAfter {
			state = models.WorkerDead
		}
		out = append(out, WorkerStats{
			ID:                  w.ID,
			State:               state,
			BoundQueues:         w.BoundQueues,
			HeartbeatAgeSeconds: age.Seconds(),
		})
	}
	return out
}

func (m *Monitor) outcomeStats(ctx context.Context) OutcomeStats {
	stats := OutcomeStats{WindowSeconds: m.window.Seconds(), Status: "ok"}
	counts, err := m.store.OutcomeCounts(ctx, m.window)
	if err != nil {
		log.WithError(err).Warn("outcome counts read failed")
		stats.Status = Unknown
		return stats
	}
	stats.Succeeded = counts.Succeeded
	stats.Failed = counts.Failed
	stats.Abandoned = counts.Abandoned
	total := counts.Succeeded + counts.Failed + counts.Abandoned
	if total > 0 {
		stats.FailureRate = float64(counts.Failed+counts.Abandoned) / float64(total)
	}
	return stats
}

// scalingSignals compares each queue's backlog against the previous snapshot:
// a growing backlog suggests scaling up, an empty one with a prior backlog
// suggests scaling down.
func (m *Monitor) scalingSignals(now time.Time, queues []QueueStats) []ScalingSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	first := m.lastTaken.IsZero()
	out := make([]ScalingSignal, 0, len(queues))
	for _, qs := range queues {
		if qs.Backlog == nil {
			out = append(out, ScalingSignal{Queue: qs.Name, Suggestion: Unknown})
			continue
		}
		backlog := *qs.Backlog
		prev, seen := m.lastSeen[qs.Name]
		m.lastSeen[qs.Name] = backlog

		sig := ScalingSignal{Queue: qs.Name, Suggestion: "hold", Backlog: backlog}
		if !first && seen {
			sig.DeltaPers = backlog - prev
			switch {
			case backlog > 0 && sig.DeltaPers > 0:
				sig.Suggestion = "scale_up"
			case backlog == 0 && prev > 0:
				sig.Suggestion = "scale_down"
			}
		}
		out = append(out, sig)
	}
	m.lastTaken = now
	return out
}
