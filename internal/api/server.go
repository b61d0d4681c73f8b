package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"order-pipeline/internal/config"
	"order-pipeline/internal/models"
	"order-pipeline/internal/monitor"
	"order-pipeline/internal/queue"
	"order-pipeline/internal/ratelimit"
	"order-pipeline/internal/store"
	"order-pipeline/internal/telemetry"
	"order-pipeline/internal/workflow"
)

// Server wires the HTTP surface: workflow lifecycle, direct task submission,
// queue and worker introspection, and the scaling control.
type Server struct {
	cfg     config.Config
	store   store.Store
	queue   *queue.Registry
	orch    *workflow.Orchestrator
	monitor *monitor.Monitor
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter throttles workflow starts and may be
// nil to disable throttling.
func New(cfg config.Config, st store.Store, q *queue.Registry, orch *workflow.Orchestrator, mon *monitor.Monitor, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		orch:    orch,
		monitor: mon,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/workflows", s.handleStartWorkflow)
	r.Get("/workflows/{orderID}", s.handleWorkflowStatus)
	r.Post("/workflows/{orderID}/cancel", s.handleCancelWorkflow)

	r.Post("/tasks", s.handleSubmitTask)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/{id}/cancel", s.handleCancelTask)

	r.Get("/queues", s.handleQueues)
	r.Post("/queues/{name}/scale", s.handleScale)
	r.Get("/workers", s.handleWorkers)
	r.Get("/stats", s.handleStats)
	return r
}

type startWorkflowRequest struct {
	OrderID string `json:"order_id"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:workflow_start:"+clientHost(r))
		if err != nil {
			log.WithError(err).Warn("start limiter unavailable")
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	wf, err := s.orch.Start(r.Context(), req.OrderID)
	if errors.Is(err, store.ErrAlreadyStarted) {
		http.Error(w, "workflow already active for order", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	status, err := s.orch.Status(r.Context(), orderID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	wf, err := s.orch.Cancel(r.Context(), orderID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type submitTaskRequest struct {
	Kind         string          `json:"kind"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	MaxAttempts  int             `json:"max_attempts"`
	RunAt        *time.Time      `json:"run_at"`
	DelaySeconds int             `json:"delay_seconds"`
}

// handleSubmitTask enqueues a standalone task outside any workflow.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Kind == "" || req.Queue == "" {
		http.Error(w, "kind and queue are required", http.StatusBadRequest)
		return
	}
	if !s.knownQueue(req.Queue) {
		http.Error(w, "unknown queue: "+req.Queue, http.StatusBadRequest)
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = s.cfg.MaxAttempts
	}
	notBefore := time.Now().UTC()
	if req.RunAt != nil {
		notBefore = req.RunAt.UTC()
	}
	if req.DelaySeconds > 0 {
		notBefore = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	env := models.Envelope{
		ID:          uuid.New().String(),
		Kind:        req.Kind,
		Payload:     req.Payload,
		Queue:       req.Queue,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		NotBefore:   notBefore,
		CreatedAt:   time.Now().UTC(),
	}
	rec, err := s.store.CreateTask(r.Context(), env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), env); err != nil {
		if errors.Is(err, queue.ErrUnknownQueue) || errors.Is(err, queue.ErrInvalidEnvelope) {
			// The row is unusable; cancel it so the janitor resync skips it.
			_, _ = s.store.Complete(r.Context(), env.ID, models.Outcome{Status: models.StatusCancelled})
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCancelTask removes a standalone task from the backlog and marks it
// cancelled. A task already running finishes its current attempt.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Remove(r.Context(), id); err != nil {
		http.Error(w, "failed to remove from queue", http.StatusInternalServerError)
		return
	}
	if _, err := s.store.Complete(r.Context(), id, models.Outcome{Status: models.StatusCancelled}); err != nil {
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	specs := s.queue.Queues()
	depths, err := s.queue.Depths(r.Context())
	if err != nil {
		log.WithError(err).Warn("queue depth read failed")
		depths = map[string]int64{}
	}
	type queueView struct {
		config.QueueSpec
		Backlog    int64    `json:"backlog"`
		RateTokens *float64 `json:"rate_limit_tokens,omitempty"`
	}
	out := make([]queueView, 0, len(specs))
	for _, spec := range specs {
		view := queueView{QueueSpec: spec, Backlog: depths[spec.Name]}
		if spec.Capacity > 0 {
			if tokens, err := s.queue.Tokens(r.Context(), spec.Name); err == nil {
				view.RateTokens = &tokens
			} else {
				log.WithError(err).WithField("queue", spec.Name).Warn("token read failed")
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

type scaleRequest struct {
	Delta int `json:"delta"`
}

// handleScale adjusts the desired dedicated slot count for a queue. Worker
// pools reconcile toward the new count on their next janitor pass.
func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Delta == 0 {
		http.Error(w, "delta must be non-zero", http.StatusBadRequest)
		return
	}
	known := false
	for _, spec := range s.queue.Queues() {
		if spec.Name == name {
			known = true
			break
		}
	}
	if !known {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}

	desired, err := s.queue.DesiredSlots(r.Context())
	if err != nil {
		http.Error(w, "failed to read slot counts", http.StatusInternalServerError)
		return
	}
	target := desired[name] + req.Delta
	if target < 0 {
		target = 0
	}
	if err := s.queue.SetDesiredSlots(r.Context(), name, target); err != nil {
		http.Error(w, "failed to update slot counts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "desired_slots": target})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Snapshot(r.Context()))
}

func (s *Server) knownQueue(name string) bool {
	for _, spec := range s.queue.Queues() {
		if spec.Name == name {
			return true
		}
	}
	return false
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
