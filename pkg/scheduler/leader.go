package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/telemetry"
)

// LeaderLock elects a single write-side replica and hands out monotonic
// fence tokens. Only the current leader may scan the due index.
type LeaderLock interface {
	// AcquireOrRenew attempts to gain or keep leadership and reports whether
	// this replica is the leader afterwards.
	AcquireOrRenew(ctx context.Context) (bool, error)

	// IsLeader reports current local belief without touching the store.
	IsLeader() bool

	// Fence returns the fence token of the current term, 0 when follower.
	Fence() int64

	// Release drops the lock if this replica holds it (owner-checked).
	Release(ctx context.Context) error

	// Run renews in the background until ctx is cancelled.
	Run(ctx context.Context)
}

// Acquisition increments the fence and takes the lock in one script, so a
// fence is never observed without its term existing.
// KEYS: lock, fence
// ARGV: token, instanceId, ttlMs
const leaderAcquireScript = `
if redis.call("exists", KEYS[1]) == 1 then
	return {0, 0}
end
local fence = redis.call("incr", KEYS[2])
local val = ARGV[1] .. "|" .. fence .. "|" .. ARGV[2]
redis.call("set", KEYS[1], val, "px", tonumber(ARGV[3]))
return {1, fence}
`

// KEYS: lock; ARGV: value, ttlMs
const leaderRenewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
end
return 0
`

// KEYS: lock; ARGV: value
const leaderReleaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// RedisLeaderLock implements LeaderLock on a single redis key plus the
// leader_fence counter.
type RedisLeaderLock struct {
	rdb        *redis.Client
	keys       keys
	instanceID string
	ttl        time.Duration
	renewEvery time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	isLeader bool
	fence    int64
	value    string // exact "<token>|<fence>|<instanceId>" held in the lock
}

// NewRedisLeaderLock creates the leader lock.
func NewRedisLeaderLock(rdb *redis.Client, prefix, instanceID string, ttl, renewEvery time.Duration, logger *slog.Logger) *RedisLeaderLock {
	return &RedisLeaderLock{
		rdb:        rdb,
		keys:       newKeys(prefix),
		instanceID: instanceID,
		ttl:        ttl,
		renewEvery: renewEvery,
		logger:     logger,
	}
}

func (l *RedisLeaderLock) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *RedisLeaderLock) Fence() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.isLeader {
		return 0
	}
	return l.fence
}

func (l *RedisLeaderLock) AcquireOrRenew(ctx context.Context) (bool, error) {
	if l.IsLeader() {
		return l.renew(ctx)
	}
	return l.acquire(ctx)
}

func (l *RedisLeaderLock) acquire(ctx context.Context) (bool, error) {
	token := uuid.New().String()

	telemetry.RedisOpsTotal.WithLabelValues("leader_acquire").Inc()
	res, err := l.rdb.Eval(ctx, leaderAcquireScript,
		[]string{l.keys.leaderLock(), l.keys.leaderFence()},
		token, l.instanceID, l.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return false, fmt.Errorf("acquiring leader lock: %w", err)
	}
	if len(res) != 2 || res[0] != 1 {
		return false, nil
	}

	fence := res[1]
	l.mu.Lock()
	l.isLeader = true
	l.fence = fence
	l.value = token + "|" + strconv.FormatInt(fence, 10) + "|" + l.instanceID
	l.mu.Unlock()

	telemetry.LeaderAcquiredTotal.Inc()
	telemetry.LeaderTransitionsTotal.Inc()
	telemetry.LeaderFenceToken.Set(float64(fence))
	telemetry.LeaderIsLeader.Set(1)
	l.logger.Info("acquired leadership", "fence", fence, "instance", l.instanceID)
	return true, nil
}

func (l *RedisLeaderLock) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	value := l.value
	l.mu.RUnlock()
	if value == "" {
		return false, nil
	}

	telemetry.RedisOpsTotal.WithLabelValues("leader_renew").Inc()
	res, err := l.rdb.Eval(ctx, leaderRenewScript,
		[]string{l.keys.leaderLock()},
		value, l.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		l.stepDown("renew error")
		telemetry.LeaderRenewFailedTotal.Inc()
		return false, fmt.Errorf("renewing leader lock: %w", err)
	}
	if res != 1 {
		l.stepDown("lock lost")
		telemetry.LeaderRenewFailedTotal.Inc()
		return false, nil
	}
	return true, nil
}

func (l *RedisLeaderLock) Release(ctx context.Context) error {
	l.mu.RLock()
	value := l.value
	held := l.isLeader
	l.mu.RUnlock()
	if !held || value == "" {
		return nil
	}

	telemetry.RedisOpsTotal.WithLabelValues("leader_release").Inc()
	_, err := l.rdb.Eval(ctx, leaderReleaseScript, []string{l.keys.leaderLock()}, value).Result()
	l.stepDown("released")
	if err != nil {
		telemetry.RedisErrorsTotal.Inc()
		return fmt.Errorf("releasing leader lock: %w", err)
	}
	return nil
}

func (l *RedisLeaderLock) stepDown(reason string) {
	l.mu.Lock()
	was := l.isLeader
	l.isLeader = false
	l.fence = 0
	l.value = ""
	l.mu.Unlock()

	if was {
		telemetry.LeaderTransitionsTotal.Inc()
		telemetry.LeaderFenceToken.Set(0)
		telemetry.LeaderIsLeader.Set(0)
		l.logger.Info("lost leadership", "reason", reason, "instance", l.instanceID)
	}
}

// Run drives the renew/acquire loop: renew at half the TTL plus jitter while
// leading, exponential backoff between acquisition attempts while following.
func (l *RedisLeaderLock) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.renewEvery
	bo.MaxInterval = 8 * l.renewEvery
	bo.Reset()

	timer := time.NewTimer(l.nextInterval(bo, true))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := l.Release(releaseCtx); err != nil {
				l.logger.Warn("releasing leader lock on shutdown", "error", err)
			}
			cancel()
			return
		case <-timer.C:
			ok, err := l.AcquireOrRenew(ctx)
			if err != nil {
				l.logger.Warn("leader lock attempt failed", "error", err)
			}
			timer.Reset(l.nextInterval(bo, ok && err == nil))
		}
	}
}

// nextInterval returns renewEvery + jitter on success, or the growing
// backoff interval after a failed attempt.
func (l *RedisLeaderLock) nextInterval(bo *backoff.ExponentialBackOff, healthy bool) time.Duration {
	if healthy {
		bo.Reset()
		var jitter time.Duration
		if q := int64(l.renewEvery / 4); q > 0 {
			jitter = time.Duration(rand.Int63n(q))
		}
		telemetry.LeaderBackoffSeconds.Set(0)
		return l.renewEvery + jitter
	}
	next := bo.NextBackOff()
	telemetry.LeaderBackoffSeconds.Set(next.Seconds())
	return next
}

// ParseLockValue splits a "<token>|<fence>|<instanceId>" lock value.
func ParseLockValue(v string) (token string, fence int64, instanceID string, ok bool) {
	parts := strings.SplitN(v, "|", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	f, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], f, parts[2], true
}

// MemoryLeaderLock is the single-replica fallback: always leader, fence 1.
type MemoryLeaderLock struct{}

func (MemoryLeaderLock) AcquireOrRenew(ctx context.Context) (bool, error) { return true, nil }
func (MemoryLeaderLock) IsLeader() bool                                   { return true }
func (MemoryLeaderLock) Fence() int64                                     { return 1 }
func (MemoryLeaderLock) Release(ctx context.Context) error                { return nil }
func (MemoryLeaderLock) Run(ctx context.Context)                          { <-ctx.Done() }
