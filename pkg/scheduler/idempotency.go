package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/telemetry"
)

// CallbackIdempotencyKey builds the dedupe key for one logical callback
// attempt: scheduler namespace, agent key, fence, and task id (or an epoch
// bucket when no task id exists).
func CallbackIdempotencyKey(agentKey string, fence int64, taskID string) string {
	suffix := taskID
	if suffix == "" {
		suffix = fmt.Sprintf("%d", time.Now().UnixMilli())
	}
	return fmt.Sprintf("forgeos.scheduler:%s:%d:%s", agentKey, fence, suffix)
}

// BeginResult is the outcome of a dedupe begin.
type BeginResult struct {
	ShouldSend bool
	LeaseToken string
}

// CallbackDeduper guards callback delivery with an absent→lease→done state
// machine per idempotency key.
type CallbackDeduper interface {
	// Begin takes the in-flight lease. ShouldSend is false when the key is
	// already done or another holder's lease is live.
	Begin(ctx context.Context, key string) (BeginResult, error)

	// Complete transitions lease→done when token still owns the lease.
	Complete(ctx context.Context, key, token string) error

	// Release drops the lease on the failure path so a retry may proceed.
	Release(ctx context.Context, key, token string) error
}

// KEYS: done, lease
// ARGV: token, leaseTTLMs
const dedupeBeginScript = `
if redis.call("exists", KEYS[1]) == 1 then
	return 0
end
local ok = redis.call("set", KEYS[2], ARGV[1], "nx", "px", tonumber(ARGV[2]))
if ok then
	return 1
end
return 0
`

// KEYS: done, lease
// ARGV: token, doneTTLMs
const dedupeCompleteScript = `
if redis.call("get", KEYS[2]) == ARGV[1] then
	redis.call("set", KEYS[1], "1", "px", tonumber(ARGV[2]))
	redis.call("del", KEYS[2])
	return 1
end
return 0
`

// KEYS: lease
// ARGV: token
const dedupeReleaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// RedisCallbackDeduper is the redis-backed dedupe layer. The lease TTL must
// comfortably exceed the callback timeout so a crashed sender's lease lapses
// before its task is reclaimed.
type RedisCallbackDeduper struct {
	rdb      *redis.Client
	keys     keys
	leaseTTL time.Duration
	doneTTL  time.Duration
	logger   *slog.Logger
}

// NewRedisCallbackDeduper creates the dedupe layer.
func NewRedisCallbackDeduper(rdb *redis.Client, prefix string, leaseTTL, doneTTL time.Duration, logger *slog.Logger) *RedisCallbackDeduper {
	return &RedisCallbackDeduper{
		rdb:      rdb,
		keys:     newKeys(prefix),
		leaseTTL: leaseTTL,
		doneTTL:  doneTTL,
		logger:   logger,
	}
}

func (d *RedisCallbackDeduper) Begin(ctx context.Context, key string) (BeginResult, error) {
	token := uuid.New().String()

	telemetry.RedisOpsTotal.WithLabelValues("dedupe_begin").Inc()
	res, err := d.rdb.Eval(ctx, dedupeBeginScript,
		[]string{d.keys.dedupeDone(key), d.keys.dedupeLease(key)},
		token, d.leaseTTL.Milliseconds(),
	).Int64()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return BeginResult{}, fmt.Errorf("beginning callback dedupe: %w", err)
	}
	if res != 1 {
		return BeginResult{ShouldSend: false}, nil
	}
	return BeginResult{ShouldSend: true, LeaseToken: token}, nil
}

func (d *RedisCallbackDeduper) Complete(ctx context.Context, key, token string) error {
	telemetry.RedisOpsTotal.WithLabelValues("dedupe_complete").Inc()
	_, err := d.rdb.Eval(ctx, dedupeCompleteScript,
		[]string{d.keys.dedupeDone(key), d.keys.dedupeLease(key)},
		token, d.doneTTL.Milliseconds(),
	).Result()
	if err != nil {
		// Safe failure mode: the live lease makes the next attempt skip.
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("completing callback dedupe: %w", err)
	}
	return nil
}

func (d *RedisCallbackDeduper) Release(ctx context.Context, key, token string) error {
	telemetry.RedisOpsTotal.WithLabelValues("dedupe_release").Inc()
	_, err := d.rdb.Eval(ctx, dedupeReleaseScript,
		[]string{d.keys.dedupeLease(key)},
		token,
	).Result()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("releasing callback dedupe: %w", err)
	}
	return nil
}

// memDeduperAdapter exposes the MemoryStore dedupe maps through the
// CallbackDeduper interface.
type memDeduperAdapter struct {
	store    *MemoryStore
	leaseTTL time.Duration
	doneTTL  time.Duration
}

// NewMemoryCallbackDeduper adapts a MemoryStore into a CallbackDeduper.
func NewMemoryCallbackDeduper(store *MemoryStore, leaseTTL, doneTTL time.Duration) CallbackDeduper {
	return &memDeduperAdapter{store: store, leaseTTL: leaseTTL, doneTTL: doneTTL}
}

func (m *memDeduperAdapter) Begin(ctx context.Context, key string) (BeginResult, error) {
	token := uuid.New().String()
	ok, err := m.store.DedupeBegin(ctx, key, token, m.leaseTTL)
	if err != nil || !ok {
		return BeginResult{}, err
	}
	return BeginResult{ShouldSend: true, LeaseToken: token}, nil
}

func (m *memDeduperAdapter) Complete(ctx context.Context, key, token string) error {
	return m.store.DedupeComplete(ctx, key, token, m.doneTTL)
}

func (m *memDeduperAdapter) Release(ctx context.Context, key, token string) error {
	return m.store.DedupeRelease(ctx, key, token)
}
