package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"order-pipeline/internal/config"
	"order-pipeline/internal/models"
	"order-pipeline/internal/ratelimit"
)

var (
	// ErrDuplicateQueue is returned when registering a name twice.
	ErrDuplicateQueue = errors.New("queue already registered")
	// ErrUnknownQueue is returned when an envelope targets an unregistered queue.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrInvalidEnvelope is returned for envelopes that can never run.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Registry coordinates named priority-weighted queues in Redis. Each queue
// owns a ready backlog (sorted set ordered by priority then FIFO), a shared
// scheduled set holds envelopes whose not-before time is in the future, and an
// in-flight set tracks leased envelopes by lease deadline. A per-queue token
// bucket caps dequeues; the token is consumed atomically with the pop.
type Registry struct {
	client   *redis.Client
	leaseTTL time.Duration

	mu      sync.RWMutex
	queues  map[string]config.QueueSpec
	ordered []config.QueueSpec // weight descending, registration order on ties
}

// New builds a registry on top of an existing Redis client.
func New(client *redis.Client, leaseTTL time.Duration) *Registry {
	if leaseTTL == 0 {
		leaseTTL = 30 * time.Second
	}
	return &Registry{
		client:   client,
		leaseTTL: leaseTTL,
		queues:   make(map[string]config.QueueSpec),
	}
}

// NewFromConfig builds a client from config and registers the configured queues.
func NewFromConfig(cfg config.Config) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	r := New(client, cfg.LeaseTimeout)
	for _, spec := range cfg.Queues {
		if err := r.Register(spec); err != nil {
			return nil, fmt.Errorf("register queue %s: %w", spec.Name, err)
		}
	}
	return r, nil
}

func readyKey(name string) string  { return "pipeline:ready:" + name }
func seqKey(name string) string    { return "pipeline:seq:" + name }
func bucketKey(name string) string { return "pipeline:bucket:" + name }
func metaKey(id string) string     { return "pipeline:meta:" + id }

const (
	scheduledKey = "pipeline:scheduled"
	inflightKey  = "pipeline:inflight"
	scaleKey     = "pipeline:scale"
)

// Register adds a named queue. Registration is process-local configuration;
// backlog state for the name lives in Redis and survives restarts.
func (r *Registry) Register(spec config.QueueSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: empty queue name", ErrInvalidEnvelope)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateQueue, spec.Name)
	}
	r.queues[spec.Name] = spec
	r.ordered = append(r.ordered, spec)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Weight > r.ordered[j].Weight
	})
	return nil
}

// Queues returns the registered queue specs in scheduling order.
func (r *Registry) Queues() []config.QueueSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.QueueSpec, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func (r *Registry) spec(name string) (config.QueueSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.queues[name]
	return spec, ok
}

// Enqueue inserts an envelope into its queue's backlog, or into the scheduled
// set when its not-before time has not arrived. Re-enqueueing a known id is a
// no-op, so crash-recovery resyncs cannot duplicate work.
func (r *Registry) Enqueue(ctx context.Context, env models.Envelope) error {
	if _, ok := r.spec(env.Queue); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, env.Queue)
	}
	if env.MaxAttempts < 1 {
		return fmt.Errorf("%w: max_attempts must be >= 1", ErrInvalidEnvelope)
	}
	if env.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}

	now := time.Now()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey(env.ID),
		"queue", env.Queue,
		"priority", env.Priority,
		"created_ms", env.CreatedAt.UnixMilli(),
	)
	if env.NotBefore.After(now) {
		pipe.ZAddNX(ctx, scheduledKey, redis.Z{Score: float64(env.NotBefore.UnixMilli()), Member: env.ID})
		_, err := pipe.Exec(ctx)
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return r.pushReady(ctx, env.Queue, env.ID, env.Priority)
}

// pushReady assigns the next FIFO sequence number and adds the envelope to the
// ready backlog. Score encodes priority-then-FIFO: higher priority sorts
// first, equal priorities preserve insertion order.
func (r *Registry) pushReady(ctx context.Context, queueName, id string, priority int) error {
	return pushReadyScript.Run(ctx, r.client,
		[]string{readyKey(queueName), seqKey(queueName)},
		id, priority,
	).Err()
}

// Dequeue returns at most one eligible envelope id from the bound queues,
// preferring higher priority weight. The queue's rate-limit token is consumed
// atomically with the pop and the id moves into the in-flight set under a
// lease. An empty id with nil error is the expected idle condition.
func (r *Registry) Dequeue(ctx context.Context, bound []string) (string, error) {
	boundSet := make(map[string]struct{}, len(bound))
	for _, name := range bound {
		boundSet[name] = struct{}{}
	}
	now := time.Now()
	deadline := now.Add(r.leaseTTL).UnixMilli()

	for _, spec := range r.Queues() {
		if len(bound) > 0 {
			if _, ok := boundSet[spec.Name]; !ok {
				continue
			}
		}
		res, err := dequeueScript.Run(ctx, r.client,
			[]string{readyKey(spec.Name), bucketKey(spec.Name), inflightKey},
			spec.Capacity, spec.Refill, now.UnixMilli(), deadline,
		).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("dequeue %s: %w", spec.Name, err)
		}
		if id, ok := res.(string); ok && id != "" {
			return id, nil
		}
	}
	return "", nil
}

// PromoteScheduled moves due scheduled envelopes into their ready backlogs.
// It returns how many were promoted.
func (r *Registry) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		queueName, priority, ok := r.metaFor(ctx, id)
		if err := r.client.ZRem(ctx, scheduledKey, id).Err(); err != nil {
			return promoted, err
		}
		if !ok {
			continue
		}
		if err := r.pushReady(ctx, queueName, id, priority); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RequeueExpired reclaims in-flight leases past their deadline, returning the
// envelopes to the back of their priority band. This is crash recovery: the
// attempt counter is untouched.
func (r *Registry) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	requeued := make([]string, 0, len(ids))
	for _, id := range ids {
		queueName, priority, ok := r.metaFor(ctx, id)
		if err := r.client.ZRem(ctx, inflightKey, id).Err(); err != nil {
			return requeued, err
		}
		if !ok {
			continue
		}
		if err := r.pushReady(ctx, queueName, id, priority); err != nil {
			return requeued, err
		}
		requeued = append(requeued, id)
	}
	return requeued, nil
}

// metaFor resolves an envelope's routing metadata. ok is false when the meta
// hash is gone, meaning the envelope was acked or removed concurrently.
func (r *Registry) metaFor(ctx context.Context, id string) (string, int, bool) {
	vals, err := r.client.HMGet(ctx, metaKey(id), "queue", "priority").Result()
	if err != nil || len(vals) != 2 {
		return "", 0, false
	}
	queueName, ok := vals[0].(string)
	if !ok || queueName == "" {
		return "", 0, false
	}
	priority := 0
	if s, ok := vals[1].(string); ok {
		if p, perr := strconv.Atoi(s); perr == nil {
			priority = p
		}
	}
	return queueName, priority, true
}

// Ack drops an envelope from in-flight tracking after a terminal outcome.
func (r *Registry) Ack(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, id)
	pipe.Del(ctx, metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Remove deletes an envelope from ready, scheduled, and in-flight sets.
func (r *Registry) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	for _, spec := range r.Queues() {
		pipe.ZRem(ctx, readyKey(spec.Name), id)
	}
	pipe.ZRem(ctx, scheduledKey, id)
	pipe.ZRem(ctx, inflightKey, id)
	pipe.Del(ctx, metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the ready backlog size for one queue.
func (r *Registry) Depth(ctx context.Context, name string) (int64, error) {
	if _, ok := r.spec(name); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return r.client.ZCard(ctx, readyKey(name)).Result()
}

// Depths returns ready backlog sizes for all registered queues.
func (r *Registry) Depths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, spec := range r.Queues() {
		n, err := r.client.ZCard(ctx, readyKey(spec.Name)).Result()
		if err != nil {
			return nil, err
		}
		out[spec.Name] = n
	}
	return out, nil
}

// OldestAge reports how long the head of a queue's backlog has been waiting.
// Zero means the backlog is empty.
func (r *Registry) OldestAge(ctx context.Context, name string, now time.Time) (time.Duration, error) {
	head, err := r.client.ZRange(ctx, readyKey(name), 0, 0).Result()
	if err != nil {
		return 0, err
	}
	if len(head) == 0 {
		return 0, nil
	}
	raw, err := r.client.HGet(ctx, metaKey(head[0]), "created_ms").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	age := now.Sub(time.UnixMilli(ms))
	if age < 0 {
		age = 0
	}
	return age, nil
}

// Tokens reports the queue's current rate-limit token count.
func (r *Registry) Tokens(ctx context.Context, name string) (float64, error) {
	spec, ok := r.spec(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return ratelimit.Peek(ctx, r.client, bucketKey(name), spec.Capacity, spec.Refill)
}

// SetDesiredSlots records the wanted execution-slot count for a queue. Worker
// pools reconcile against this, so scaling requests reach every process.
func (r *Registry) SetDesiredSlots(ctx context.Context, name string, slots int) error {
	if _, ok := r.spec(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	if slots < 0 {
		slots = 0
	}
	return r.client.HSet(ctx, scaleKey, name, slots).Err()
}

// DesiredSlots returns the wanted slot counts per queue.
func (r *Registry) DesiredSlots(ctx context.Context) (map[string]int, error) {
	raw, err := r.client.HGetAll(ctx, scaleKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(raw))
	for name, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		out[name] = n
	}
	return out, nil
}

// pushReadyScript: score = seq - priority*1e12, so a higher priority always
// sorts before a lower one and equal priorities stay FIFO. ZADD NX keeps
// re-enqueues of the same id idempotent.
var pushReadyScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
local score = seq - tonumber(ARGV[2]) * 1e12
redis.call('ZADD', KEYS[1], 'NX', score, ARGV[1])
return seq
`)

// dequeueScript refills the queue's token bucket, and only when both a token
// and backlog work exist pops the head, consumes the token, and records the
// lease. Nothing is consumed on the empty or throttled paths.
var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local bucket = KEYS[2]
local inflight = KEYS[3]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local deadline = tonumber(ARGV[4])

if capacity <= 0 then
  local head = redis.call('ZRANGE', ready, 0, 0)
  if #head == 0 then
    return nil
  end
  redis.call('ZREM', ready, head[1])
  redis.call('ZADD', inflight, deadline, head[1])
  return head[1]
end

local data = redis.call('HMGET', bucket, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

if tokens < 1 then
  redis.call('HMSET', bucket, 'tokens', tokens, 'last_ms', now)
  return nil
end

local head = redis.call('ZRANGE', ready, 0, 0)
if #head == 0 then
  redis.call('HMSET', bucket, 'tokens', tokens, 'last_ms', now)
  return nil
end

redis.call('ZREM', ready, head[1])
tokens = tokens - 1
redis.call('HMSET', bucket, 'tokens', tokens, 'last_ms', now)
redis.call('ZADD', inflight, deadline, head[1])
return head[1]
`)
