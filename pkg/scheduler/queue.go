package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/telemetry"
)

// TaskKindAgentCycle is the only task kind the pump understands today.
const TaskKindAgentCycle = "agent_cycle"

// ErrQueueUnavailable is reported when the execution queue's store cannot be
// reached; the dispatch is skipped and retried on a later tick.
var ErrQueueUnavailable = errors.New("redis_execution_queue_unavailable")

// Task is one unit of cycle work flowing through the execution queue.
type Task struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	QueueKey         string `json:"queueKey"`
	EnqueuedAt       int64  `json:"enqueuedAt"`
	LeaderFenceToken int64  `json:"leaderFenceToken"`
	InstanceID       string `json:"instanceId"`
}

// NewTask builds an agent_cycle task stamped with the current fence.
func NewTask(queueKey string, fence int64, instanceID string) Task {
	return Task{
		ID:               uuid.New().String(),
		Kind:             TaskKindAgentCycle,
		QueueKey:         queueKey,
		EnqueuedAt:       time.Now().UnixMilli(),
		LeaderFenceToken: fence,
		InstanceID:       instanceID,
	}
}

// Queue is the durable execution queue: ready/processing/inflight with
// per-task leases and at-least-once reclaim.
type Queue interface {
	// Enqueue adds a task, rejecting with ErrQueueFull at the depth cap.
	Enqueue(ctx context.Context, task Task) error

	// Claim pops one ready task into processing under an exec lease.
	// Returns (nil, nil) when the queue is empty.
	Claim(ctx context.Context) (*Task, error)

	// Ack removes a completed task from every structure.
	Ack(ctx context.Context, id string) error

	// RequeueExpired restores tasks whose exec lease has lapsed.
	RequeueExpired(ctx context.Context, limit int) (int, error)

	// RecoverBoot rebuilds derived structures from payloads and restores
	// orphaned processing entries. Returns restored and dropped counts.
	RecoverBoot(ctx context.Context) (restored, dropped int, err error)

	// RemoveAgentTasks purges unleased tasks owned by the agent.
	RemoveAgentTasks(ctx context.Context, queueKey string) (int, error)

	// Depths reports ready/processing/inflight sizes for gauges.
	Depths(ctx context.Context) (ready, processing, inflight int64, err error)
}

// Queue mutations are single server-side scripts so a partial failure can
// never leave the four structures disagreeing.

// KEYS: ready, inflight, payloads, owners, agentTasks
// ARGV: id, payload, queueKey, maxDepth
const enqueueScript = `
if redis.call("llen", KEYS[1]) + redis.call("zcard", KEYS[2]) >= tonumber(ARGV[4]) then
	return 0
end
redis.call("hset", KEYS[3], ARGV[1], ARGV[2])
redis.call("hset", KEYS[4], ARGV[1], ARGV[3])
redis.call("sadd", KEYS[5], ARGV[1])
redis.call("rpush", KEYS[1], ARGV[1])
return 1
`

// KEYS: ready, processing, payloads, inflight
// ARGV: execLeasePrefix, owner, leaseTTLMs, leaseDeadlineMs
const claimScript = `
local id = redis.call("lpop", KEYS[1])
if not id then
	return false
end
redis.call("rpush", KEYS[2], id)
local payload = redis.call("hget", KEYS[3], id)
if not payload then
	redis.call("lrem", KEYS[2], 1, id)
	return false
end
redis.call("set", ARGV[1] .. id, ARGV[2], "px", tonumber(ARGV[3]))
redis.call("zadd", KEYS[4], tonumber(ARGV[4]), id)
return {id, payload}
`

// KEYS: processing, inflight, payloads, owners
// ARGV: id, execLeasePrefix, agentTasksPrefix
const ackScript = `
redis.call("lrem", KEYS[1], 1, ARGV[1])
redis.call("zrem", KEYS[2], ARGV[1])
redis.call("hdel", KEYS[3], ARGV[1])
local owner = redis.call("hget", KEYS[4], ARGV[1])
if owner then
	redis.call("srem", ARGV[3] .. owner, ARGV[1])
end
redis.call("hdel", KEYS[4], ARGV[1])
redis.call("del", ARGV[2] .. ARGV[1])
return 1
`

// KEYS: inflight, processing, ready, payloads
// ARGV: nowMs, limit, execLeasePrefix
const requeueExpiredScript = `
local ids = redis.call("zrangebyscore", KEYS[1], 0, tonumber(ARGV[1]), "limit", 0, tonumber(ARGV[2]))
local requeued = 0
for _, id in ipairs(ids) do
	if redis.call("exists", ARGV[3] .. id) == 0 then
		redis.call("zrem", KEYS[1], id)
		redis.call("lrem", KEYS[2], 1, id)
		if redis.call("hexists", KEYS[4], id) == 1 then
			redis.call("lrem", KEYS[3], 0, id)
			redis.call("rpush", KEYS[3], id)
			requeued = requeued + 1
		end
	end
end
return requeued
`

// KEYS: processing, inflight, ready, payloads
// ARGV: id, execLeasePrefix
const restoreOrphanScript = `
if redis.call("exists", ARGV[2] .. ARGV[1]) == 1 then
	return 0
end
redis.call("lrem", KEYS[1], 0, ARGV[1])
redis.call("zrem", KEYS[2], ARGV[1])
if redis.call("hexists", KEYS[4], ARGV[1]) == 1 then
	redis.call("lrem", KEYS[3], 0, ARGV[1])
	redis.call("rpush", KEYS[3], ARGV[1])
	return 1
end
return -1
`

// KEYS: agentTasks, ready, processing, inflight, payloads, owners
// ARGV: queueKey, execLeasePrefix
const removeAgentTasksScript = `
local ids = redis.call("smembers", KEYS[1])
local removed = 0
for _, id in ipairs(ids) do
	local owner = redis.call("hget", KEYS[6], id)
	if owner == ARGV[1] and redis.call("exists", ARGV[2] .. id) == 0 then
		redis.call("lrem", KEYS[2], 0, id)
		redis.call("lrem", KEYS[3], 0, id)
		redis.call("zrem", KEYS[4], id)
		redis.call("hdel", KEYS[5], id)
		redis.call("hdel", KEYS[6], id)
		redis.call("srem", KEYS[1], id)
		removed = removed + 1
	end
end
return removed
`

// RedisQueue is the redis-backed execution queue.
type RedisQueue struct {
	rdb        *redis.Client
	keys       keys
	maxDepth   int
	leaseTTL   time.Duration
	instanceID string
	logger     *slog.Logger
}

// NewRedisQueue creates a redis-backed queue.
func NewRedisQueue(rdb *redis.Client, prefix string, maxDepth int, leaseTTL time.Duration, instanceID string, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:        rdb,
		keys:       newKeys(prefix),
		maxDepth:   maxDepth,
		leaseTTL:   leaseTTL,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	telemetry.RedisOpsTotal.WithLabelValues("queue_enqueue").Inc()
	res, err := q.rdb.Eval(ctx, enqueueScript,
		[]string{q.keys.ready(), q.keys.inflight(), q.keys.payloads(), q.keys.taskOwners(), q.keys.agentTasks(task.QueueKey)},
		task.ID, string(payload), task.QueueKey, q.maxDepth,
	).Int64()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	if res == 0 {
		return ErrQueueFull
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*Task, error) {
	telemetry.RedisOpsTotal.WithLabelValues("queue_claim").Inc()
	res, err := q.rdb.Eval(ctx, claimScript,
		[]string{q.keys.ready(), q.keys.processing(), q.keys.payloads(), q.keys.inflight()},
		q.keys.execLeasePrefix(),
		q.instanceID,
		q.leaseTTL.Milliseconds(),
		time.Now().Add(q.leaseTTL).UnixMilli(),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		telemetry.RedisErrorsTotal.Inc()
		return nil, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}

	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, nil
	}
	raw, _ := pair[1].(string)

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Malformed payload: drop it rather than wedging the queue.
		q.logger.Warn("dropping malformed task payload", "error", err)
		if id, ok := pair[0].(string); ok {
			_ = q.Ack(ctx, id)
		}
		return nil, nil
	}
	return &task, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	telemetry.RedisOpsTotal.WithLabelValues("queue_ack").Inc()
	_, err := q.rdb.Eval(ctx, ackScript,
		[]string{q.keys.processing(), q.keys.inflight(), q.keys.payloads(), q.keys.taskOwners()},
		id, q.keys.execLeasePrefix(), q.keys.agentTasksPrefix(),
	).Result()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	telemetry.RedisOpsTotal.WithLabelValues("queue_requeue_expired").Inc()
	n, err := q.rdb.Eval(ctx, requeueExpiredScript,
		[]string{q.keys.inflight(), q.keys.processing(), q.keys.ready(), q.keys.payloads()},
		time.Now().UnixMilli(), limit, q.keys.execLeasePrefix(),
	).Int64()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return 0, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	if n > 0 {
		telemetry.QueueRequeuedTotal.Add(float64(n))
	}
	return int(n), nil
}

// RecoverBoot rebuilds the owner map and per-agent sets from payloads (the
// source of truth), restores orphaned processing entries without a live
// lease, then sweeps the inflight set once.
func (q *RedisQueue) RecoverBoot(ctx context.Context) (int, int, error) {
	payloads, err := q.rdb.HGetAll(ctx, q.keys.payloads()).Result()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return 0, 0, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}

	dropped := 0
	for id, raw := range payloads {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil || task.QueueKey == "" {
			q.logger.Warn("boot recovery dropping malformed payload", "task_id", id)
			_ = q.Ack(ctx, id)
			dropped++
			continue
		}
		pipe := q.rdb.Pipeline()
		pipe.HSet(ctx, q.keys.taskOwners(), id, task.QueueKey)
		pipe.SAdd(ctx, q.keys.agentTasks(task.QueueKey), id)
		if _, err := pipe.Exec(ctx); err != nil {
			telemetry.RedisErrorsTotal.Inc()
			return 0, dropped, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
		}
	}

	processing, err := q.rdb.LRange(ctx, q.keys.processing(), 0, -1).Result()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return 0, dropped, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}

	restored := 0
	for _, id := range processing {
		res, err := q.rdb.Eval(ctx, restoreOrphanScript,
			[]string{q.keys.processing(), q.keys.inflight(), q.keys.ready(), q.keys.payloads()},
			id, q.keys.execLeasePrefix(),
		).Int64()
		if err != nil {
			telemetry.RedisErrorsTotal.Inc()
			return restored, dropped, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
		}
		switch res {
		case 1:
			restored++
		case -1:
			dropped++
		}
	}

	if _, err := q.RequeueExpired(ctx, 1000); err != nil {
		return restored, dropped, err
	}

	telemetry.QueueBootRecoveriesTotal.Inc()
	return restored, dropped, nil
}

func (q *RedisQueue) RemoveAgentTasks(ctx context.Context, queueKey string) (int, error) {
	telemetry.RedisOpsTotal.WithLabelValues("queue_remove_agent").Inc()
	n, err := q.rdb.Eval(ctx, removeAgentTasksScript,
		[]string{q.keys.agentTasks(queueKey), q.keys.ready(), q.keys.processing(), q.keys.inflight(), q.keys.payloads(), q.keys.taskOwners()},
		queueKey, q.keys.execLeasePrefix(),
	).Int64()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return 0, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	return int(n), nil
}

func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
	pipe := q.rdb.Pipeline()
	readyCmd := pipe.LLen(ctx, q.keys.ready())
	processingCmd := pipe.LLen(ctx, q.keys.processing())
	inflightCmd := pipe.ZCard(ctx, q.keys.inflight())
	if _, err := pipe.Exec(ctx); err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return 0, 0, 0, fmt.Errorf("%w: %s", ErrQueueUnavailable, err)
	}
	return readyCmd.Val(), processingCmd.Val(), inflightCmd.Val(), nil
}
