package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/telemetry"
)

// Registry is the authoritative agent map.
type Registry interface {
	Upsert(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, queueKey string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)
	Remove(ctx context.Context, queueKey string) error
	Count(ctx context.Context) (int, error)
}

// ScheduleIndex is the time-ordered due index with claim-under-lease.
type ScheduleIndex interface {
	ScheduleUpsert(ctx context.Context, queueKey string, nextRunAt int64) error
	ScheduleRemove(ctx context.Context, queueKey string) error
	Due(ctx context.Context, now int64, limit int) ([]string, error)

	// ClaimDue takes the per-agent lease and re-scores the schedule entry to
	// now+TTL so no other leader re-claims during the lease window. The lease
	// owner value records the claiming instance and its fence.
	ClaimDue(ctx context.Context, queueKey string, fence int64, leaseTTL time.Duration, newScore int64) (bool, error)
}

// KEYS: schedule
// ARGV: queueKey, leaseKey, ownerValue, leaseTTLMs, newScore
const claimDueScript = `
local ok = redis.call("set", ARGV[2], ARGV[3], "nx", "px", tonumber(ARGV[4]))
if not ok then
	return 0
end
if redis.call("zscore", KEYS[1], ARGV[1]) then
	redis.call("zadd", KEYS[1], tonumber(ARGV[5]), ARGV[1])
end
return 1
`

// RedisRegistry stores agents in a hash and the due index in a sorted set.
type RedisRegistry struct {
	rdb        *redis.Client
	keys       keys
	instanceID string
	logger     *slog.Logger
}

// NewRedisRegistry creates a redis-backed agent registry and due index.
func NewRedisRegistry(rdb *redis.Client, prefix, instanceID string, logger *slog.Logger) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, keys: newKeys(prefix), instanceID: instanceID, logger: logger}
}

func (r *RedisRegistry) Upsert(ctx context.Context, agent *Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encoding agent: %w", err)
	}
	telemetry.RedisOpsTotal.WithLabelValues("registry_upsert").Inc()
	if err := r.rdb.HSet(ctx, r.keys.agents(), agent.QueueKey, data).Err(); err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("storing agent: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, queueKey string) (*Agent, error) {
	telemetry.RedisOpsTotal.WithLabelValues("registry_get").Inc()
	data, err := r.rdb.HGet(ctx, r.keys.agents(), queueKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		telemetry.RedisErrorsTotal.Inc()
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		// Malformed record: drop it rather than failing every tick.
		r.logger.Warn("dropping malformed agent record", "queue_key", queueKey)
		_ = r.rdb.HDel(ctx, r.keys.agents(), queueKey).Err()
		return nil, nil
	}
	return &agent, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Agent, error) {
	telemetry.RedisOpsTotal.WithLabelValues("registry_list").Inc()
	all, err := r.rdb.HGetAll(ctx, r.keys.agents()).Result()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	out := make([]*Agent, 0, len(all))
	for qk, raw := range all {
		var agent Agent
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			r.logger.Warn("skipping malformed agent record", "queue_key", qk)
			continue
		}
		out = append(out, &agent)
	}
	return out, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, queueKey string) error {
	telemetry.RedisOpsTotal.WithLabelValues("registry_remove").Inc()
	pipe := r.rdb.Pipeline()
	pipe.HDel(ctx, r.keys.agents(), queueKey)
	pipe.ZRem(ctx, r.keys.schedule(), queueKey)
	if _, err := pipe.Exec(ctx); err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("removing agent: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	n, err := r.rdb.HLen(ctx, r.keys.agents()).Result()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return int(n), nil
}

func (r *RedisRegistry) ScheduleUpsert(ctx context.Context, queueKey string, nextRunAt int64) error {
	telemetry.RedisOpsTotal.WithLabelValues("schedule_upsert").Inc()
	err := r.rdb.ZAdd(ctx, r.keys.schedule(), redis.Z{Score: float64(nextRunAt), Member: queueKey}).Err()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("scheduling agent: %w", err)
	}
	return nil
}

func (r *RedisRegistry) ScheduleRemove(ctx context.Context, queueKey string) error {
	telemetry.RedisOpsTotal.WithLabelValues("schedule_remove").Inc()
	if err := r.rdb.ZRem(ctx, r.keys.schedule(), queueKey).Err(); err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("unscheduling agent: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Due(ctx context.Context, now int64, limit int) ([]string, error) {
	telemetry.RedisOpsTotal.WithLabelValues("schedule_due").Inc()
	members, err := r.rdb.ZRangeByScore(ctx, r.keys.schedule(), &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now, 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return nil, fmt.Errorf("scanning due agents: %w", err)
	}
	return members, nil
}

func (r *RedisRegistry) ClaimDue(ctx context.Context, queueKey string, fence int64, leaseTTL time.Duration, newScore int64) (bool, error) {
	owner, err := json.Marshal(map[string]any{
		"instanceId": r.instanceID,
		"fence":      fence,
		"ts":         time.Now().UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("encoding lease owner: %w", err)
	}

	telemetry.RedisOpsTotal.WithLabelValues("schedule_claim").Inc()
	res, err := r.rdb.Eval(ctx, claimDueScript,
		[]string{r.keys.schedule()},
		queueKey, r.keys.agentLease(queueKey), string(owner), leaseTTL.Milliseconds(), newScore,
	).Int64()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return false, fmt.Errorf("claiming due agent: %w", err)
	}
	return res == 1, nil
}
