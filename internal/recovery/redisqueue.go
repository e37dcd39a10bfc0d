package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aidenlippert/swarmcore/internal/faulttolerance"
	"github.com/aidenlippert/swarmcore/internal/ids"
)

// RedisQueueConfig configures RedisActionQueue, mirroring the teacher's
// libs/queue.RedisQueueConfig shape (addr/password/db plus key names)
// retargeted from task records to RecoveryActions.
type RedisQueueConfig struct {
	Addr       string
	Password   string
	DB         int
	QueueKey   string // sorted set, score = enqueue time, for FIFO ordering
	ActionsKey string // hash of action-id -> JSON payload
	NotifyChan string // pub/sub channel consumers wait on
}

// DefaultRedisQueueConfig returns the documented baseline key names.
func DefaultRedisQueueConfig() RedisQueueConfig {
	return RedisQueueConfig{
		Addr:       "localhost:6379",
		QueueKey:   "swarmcore:recovery:queue",
		ActionsKey: "swarmcore:recovery:actions",
		NotifyChan: "swarmcore:recovery:notify",
	}
}

// recoveryActionWire is the JSON-serializable projection of
// faulttolerance.RecoveryAction: ids.AgentId has no JSON codec of its own
// (the rest of the pack handles this the same way, see
// trust/store_jsonfile.go's scoreFile), so agent fields round-trip through
// their canonical string form.
type recoveryActionWire struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Agent        string `json:"agent,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Task         string `json:"task,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	EnqueuedAt   int64  `json:"enqueued_at_unix_nano"`
}

func toWire(id string, a faulttolerance.RecoveryAction) recoveryActionWire {
	return recoveryActionWire{
		ID:           id,
		Kind:         string(a.Kind),
		Agent:        a.Agent.String(),
		Attempt:      a.Attempt,
		Task:         a.Task,
		From:         a.From.String(),
		To:           a.To.String(),
		CheckpointID: a.CheckpointID,
		Reason:       a.Reason,
		EnqueuedAt:   a.EnqueuedAt.UnixNano(),
	}
}

func fromWire(w recoveryActionWire) (faulttolerance.RecoveryAction, error) {
	agent, err := parseAgentOrZero(w.Agent)
	if err != nil {
		return faulttolerance.RecoveryAction{}, err
	}
	from, err := parseAgentOrZero(w.From)
	if err != nil {
		return faulttolerance.RecoveryAction{}, err
	}
	to, err := parseAgentOrZero(w.To)
	if err != nil {
		return faulttolerance.RecoveryAction{}, err
	}
	return faulttolerance.RecoveryAction{
		Kind:         faulttolerance.RecoveryActionKind(w.Kind),
		Agent:        agent,
		Attempt:      w.Attempt,
		Task:         w.Task,
		From:         from,
		To:           to,
		CheckpointID: w.CheckpointID,
		Reason:       w.Reason,
		EnqueuedAt:   time.Unix(0, w.EnqueuedAt).UTC(),
	}, nil
}

func parseAgentOrZero(s string) (ids.AgentId, error) {
	if s == "" || s == (ids.AgentId{}).String() {
		return ids.AgentId{}, nil
	}
	return ids.AgentIdFromString(s)
}

// RedisActionQueue is an optional durable mirror of the Fault Tolerance
// Manager's in-memory FIFO recovery queue, grounded on
// libs/queue/redis_queue.go's sorted-set-plus-hash-plus-pubsub layout. It
// exists for operational durability and cross-process visibility into
// queued recovery work (the hot path stays the in-memory queue the
// manager already owns); nothing in this package requires a live Redis to
// function, so callers who don't configure it simply don't get a mirror.
type RedisActionQueue struct {
	client *redis.Client
	logger *zap.Logger
	cfg    RedisQueueConfig
}

// NewRedisActionQueue connects to Redis and verifies reachability with a
// Ping before returning, matching libs/queue/redis_queue.go's
// fail-fast-on-construction style.
func NewRedisActionQueue(ctx context.Context, cfg RedisQueueConfig, logger *zap.Logger) (*RedisActionQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueKey == "" {
		cfg = DefaultRedisQueueConfig()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("recovery: connect to redis: %w", err)
	}
	return &RedisActionQueue{client: client, logger: logger, cfg: cfg}, nil
}

// Mirror records a, already accepted onto the in-memory queue, into Redis
// and notifies waiting consumers. Failures are logged, not returned: the
// durable mirror is best-effort and must never block or fail the hot path.
func (q *RedisActionQueue) Mirror(ctx context.Context, id string, a faulttolerance.RecoveryAction) {
	payload, err := json.Marshal(toWire(id, a))
	if err != nil {
		q.logger.Warn("recovery: marshal action for redis mirror", zap.Error(err))
		return
	}
	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, q.cfg.QueueKey, redis.Z{Score: float64(a.EnqueuedAt.UnixNano()), Member: id})
	pipe.HSet(ctx, q.cfg.ActionsKey, id, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("recovery: mirror action to redis", zap.Error(err))
		return
	}
	if err := q.client.Publish(ctx, q.cfg.NotifyChan, id).Err(); err != nil {
		q.logger.Warn("recovery: publish redis notify", zap.Error(err))
	}
}

// Ack removes a mirrored action once the in-memory queue has applied it.
func (q *RedisActionQueue) Ack(ctx context.Context, id string) {
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, q.cfg.QueueKey, id)
	pipe.HDel(ctx, q.cfg.ActionsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("recovery: ack redis mirror", zap.Error(err))
	}
}

// Pending lists actions still mirrored as outstanding, oldest first — used
// by an operator or a crash-recovery path to see what the in-memory queue
// lost when the process died mid-action.
func (q *RedisActionQueue) Pending(ctx context.Context) ([]faulttolerance.RecoveryAction, error) {
	ids, err := q.client.ZRange(ctx, q.cfg.QueueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("recovery: list pending redis actions: %w", err)
	}
	out := make([]faulttolerance.RecoveryAction, 0, len(ids))
	for _, id := range ids {
		raw, err := q.client.HGet(ctx, q.cfg.ActionsKey, id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recovery: get pending redis action %s: %w", id, err)
		}
		var w recoveryActionWire
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("recovery: unmarshal redis action %s: %w", id, err)
		}
		a, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Close releases the underlying Redis client.
func (q *RedisActionQueue) Close() error {
	return q.client.Close()
}
