package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/config"
	"github.com/forge-os/forgeos/internal/telemetry"
)

// Quota buckets.
const (
	BucketRead  = "read"
	BucketWrite = "write"
	BucketTick  = "tick"
)

// quotaScript atomically increments the window counter, arming the expiry on
// the first hit only.
const quotaScript = `
local n = redis.call("incr", KEYS[1])
if n == 1 then
	redis.call("pexpire", KEYS[1], tonumber(ARGV[1]))
end
return n
`

// QuotaLimiter enforces per-subject token buckets over fixed windows using
// Redis INCR with expiry-on-first. When Redis is unavailable the limiter
// fails open to preserve liveness.
type QuotaLimiter struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	limits map[string]int
	logger *slog.Logger
}

// NewQuotaLimiter creates a limiter. rdb may be nil, in which case every
// request is allowed.
func NewQuotaLimiter(rdb *redis.Client, prefix string, cfg config.QuotaConfig, logger *slog.Logger) *QuotaLimiter {
	return &QuotaLimiter{
		rdb:    rdb,
		prefix: prefix,
		window: time.Duration(cfg.WindowMs) * time.Millisecond,
		limits: map[string]int{
			BucketRead:  cfg.Read,
			BucketWrite: cfg.Write,
			BucketTick:  cfg.Tick,
		},
		logger: logger,
	}
}

// Allow reports whether the subject has budget left in the given bucket for
// the current window.
func (l *QuotaLimiter) Allow(ctx context.Context, subject, bucket string) bool {
	if l == nil || l.rdb == nil {
		return true
	}
	limit, ok := l.limits[bucket]
	if !ok || limit <= 0 || l.window <= 0 {
		return true
	}

	windowIdx := time.Now().UnixMilli() / l.window.Milliseconds()
	key := fmt.Sprintf("%s:quota:%s:%s:%d", l.prefix, subject, bucket, windowIdx)

	telemetry.RedisOpsTotal.WithLabelValues("quota_incr").Inc()
	n, err := l.rdb.Eval(ctx, quotaScript, []string{key}, l.window.Milliseconds()).Int64()
	if err != nil {
		// Fail open: a store outage must not lock out legitimate traffic.
		telemetry.RedisErrorsTotal.Inc()
		l.logger.Warn("quota check failed, allowing request", "error", err)
		return true
	}

	if n > int64(limit) {
		telemetry.QuotaExceededTotal.WithLabelValues(bucket).Inc()
		return false
	}
	return true
}
