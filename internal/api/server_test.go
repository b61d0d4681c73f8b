package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"order-pipeline/internal/config"
	"order-pipeline/internal/models"
	"order-pipeline/internal/monitor"
	"order-pipeline/internal/queue"
	"order-pipeline/internal/store"
	"order-pipeline/internal/telemetry"
	"order-pipeline/internal/workflow"
)

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string, string) error { return nil }

func newTestServer(t *testing.T) (http.Handler, *store.Memory, *queue.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := queue.New(client, time.Minute)
	for _, spec := range []config.QueueSpec{
		{Name: "orders", Weight: 10},
		{Name: "payments", Weight: 9},
		{Name: "delivery", Weight: 7},
		{Name: "notifications", Weight: 6, Capacity: 100, Refill: 1.6667},
		{Name: "analytics", Weight: 2},
	} {
		if err := reg.Register(spec); err != nil {
			t.Fatalf("register %s: %v", spec.Name, err)
		}
	}

	cfg := config.Config{MaxAttempts: 3, MonitorWindow: 5 * time.Minute, DeadAfter: time.Minute}
	st := store.NewMemory()
	orch := workflow.New(st, reg, noopNotifier{}, workflow.DefaultStages(), cfg.MaxAttempts)
	mon := monitor.New(reg, st, cfg)
	srv := New(cfg, st, reg, orch, mon, nil)
	return srv.Router(), st, reg
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestServer(t)
	rr := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rr.Code)
	}
}

func TestStartWorkflow(t *testing.T) {
	h, st, reg := newTestServer(t)

	rr := doJSON(t, h, http.MethodPost, "/workflows", map[string]string{"order_id": "order-1"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start = %d body=%s", rr.Code, rr.Body.String())
	}
	var wf models.Workflow
	if err := json.Unmarshal(rr.Body.Bytes(), &wf); err != nil || wf.OrderID != "order-1" {
		t.Fatalf("start response: %s err=%v", rr.Body.String(), err)
	}
	if _, err := st.GetTask(context.Background(), wf.CurrentTaskID); err != nil {
		t.Fatal("first stage task not recorded")
	}
	if depth, _ := reg.Depth(context.Background(), "orders"); depth != 1 {
		t.Fatalf("first stage not enqueued, depth=%d", depth)
	}

	rr = doJSON(t, h, http.MethodPost, "/workflows", map[string]string{"order_id": "order-1"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate start = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/workflows", map[string]string{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing order_id = %d", rr.Code)
	}
}

func TestStartWorkflowCountsEnqueueOnce(t *testing.T) {
	h, _, _ := newTestServer(t)

	before := testutil.ToFloat64(telemetry.EnqueueCounter)
	rr := doJSON(t, h, http.MethodPost, "/workflows", map[string]string{"order_id": "order-counted"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("start = %d body=%s", rr.Code, rr.Body.String())
	}
	if got := testutil.ToFloat64(telemetry.EnqueueCounter) - before; got != 1 {
		t.Fatalf("enqueue counter moved by %v for one start, want 1", got)
	}
}

func TestWorkflowStatusAndCancel(t *testing.T) {
	h, _, _ := newTestServer(t)

	if rr := doJSON(t, h, http.MethodGet, "/workflows/ghost", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown workflow = %d", rr.Code)
	}

	doJSON(t, h, http.MethodPost, "/workflows", map[string]string{"order_id": "order-1"})

	rr := doJSON(t, h, http.MethodGet, "/workflows/order-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var status models.WorkflowStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if status.Stage != "validate_order" || status.Status != models.WorkflowActive {
		t.Fatalf("status = %+v", status)
	}

	rr = doJSON(t, h, http.MethodPost, "/workflows/order-1/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rr.Code)
	}
	var wf models.Workflow
	if err := json.Unmarshal(rr.Body.Bytes(), &wf); err != nil || !wf.Cancelled {
		t.Fatalf("cancel response: %s err=%v", rr.Body.String(), err)
	}
}

func TestSubmitAndCancelTask(t *testing.T) {
	h, _, reg := newTestServer(t)

	rr := doJSON(t, h, http.MethodPost, "/tasks", map[string]any{
		"kind":    "send_notification",
		"queue":   "notifications",
		"payload": map[string]string{"channel": "sms", "recipient": "+1", "message": "hi"},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("submit = %d body=%s", rr.Code, rr.Body.String())
	}
	var rec models.TaskRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("submit response: %v", err)
	}
	if rec.Status != models.StatusPending || rec.MaxAttempts != 3 {
		t.Fatalf("submitted task = %+v", rec)
	}
	if depth, _ := reg.Depth(context.Background(), "notifications"); depth != 1 {
		t.Fatalf("task not enqueued, depth=%d", depth)
	}

	if rr := doJSON(t, h, http.MethodGet, "/tasks/"+rec.ID, nil); rr.Code != http.StatusOK {
		t.Fatalf("get task = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/tasks/"+rec.ID+"/cancel", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel task = %d", rr.Code)
	}
	rr = doJSON(t, h, http.MethodGet, "/tasks/"+rec.ID, nil)
	_ = json.Unmarshal(rr.Body.Bytes(), &rec)
	if rec.Status != models.StatusCancelled {
		t.Fatalf("cancelled task status = %s", rec.Status)
	}
	if depth, _ := reg.Depth(context.Background(), "notifications"); depth != 0 {
		t.Fatalf("cancelled task still queued, depth=%d", depth)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	h, st, _ := newTestServer(t)

	if rr := doJSON(t, h, http.MethodPost, "/tasks", map[string]any{"kind": "x"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing queue = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/tasks", map[string]any{"kind": "x", "queue": "nope"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown queue = %d", rr.Code)
	}
	// A rejected submission must not leave a pending row for the janitor
	// resync to chase forever.
	due, err := st.PendingDue(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("pending due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("rejected submission left pending rows: %+v", due)
	}
	if rr := doJSON(t, h, http.MethodGet, "/tasks/ghost", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown task = %d", rr.Code)
	}
}

func TestScaleEndpoint(t *testing.T) {
	h, _, reg := newTestServer(t)

	rr := doJSON(t, h, http.MethodPost, "/queues/orders/scale", map[string]int{"delta": 2})
	if rr.Code != http.StatusOK {
		t.Fatalf("scale = %d body=%s", rr.Code, rr.Body.String())
	}
	desired, _ := reg.DesiredSlots(context.Background())
	if desired["orders"] != 2 {
		t.Fatalf("desired = %v", desired)
	}

	// Deltas accumulate and clamp at zero.
	doJSON(t, h, http.MethodPost, "/queues/orders/scale", map[string]int{"delta": -5})
	desired, _ = reg.DesiredSlots(context.Background())
	if desired["orders"] != 0 {
		t.Fatalf("desired after clamp = %v", desired)
	}

	if rr := doJSON(t, h, http.MethodPost, "/queues/nope/scale", map[string]int{"delta": 1}); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown queue scale = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/queues/orders/scale", map[string]int{"delta": 0}); rr.Code != http.StatusBadRequest {
		t.Fatalf("zero delta = %d", rr.Code)
	}
}

func TestQueuesWorkersStats(t *testing.T) {
	h, st, _ := newTestServer(t)
	ctx := context.Background()

	if err := st.UpsertWorker(ctx, models.WorkerInfo{ID: "w1", State: models.WorkerIdle}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rr := doJSON(t, h, http.MethodGet, "/queues", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("queues = %d", rr.Code)
	}
	var queues struct {
		Queues []struct {
			Name       string   `json:"name"`
			Backlog    int64    `json:"backlog"`
			RateTokens *float64 `json:"rate_limit_tokens"`
		} `json:"queues"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &queues); err != nil || len(queues.Queues) != 5 {
		t.Fatalf("queues body: %s err=%v", rr.Body.String(), err)
	}
	if queues.Queues[0].Name != "orders" {
		t.Fatalf("scheduling order lost: %+v", queues.Queues)
	}
	for _, q := range queues.Queues {
		switch q.Name {
		case "notifications":
			if q.RateTokens == nil || *q.RateTokens != 100 {
				t.Fatalf("notifications tokens = %v, want full bucket", q.RateTokens)
			}
		default:
			// Unlimited queues report no token count.
			if q.RateTokens != nil {
				t.Fatalf("%s reports tokens %v without a rate limit", q.Name, *q.RateTokens)
			}
		}
	}

	rr = doJSON(t, h, http.MethodGet, "/workers", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("workers = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats = %d", rr.Code)
	}
	var snap monitor.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil || len(snap.Queues) != 5 {
		t.Fatalf("stats body: %s err=%v", rr.Body.String(), err)
	}
}
