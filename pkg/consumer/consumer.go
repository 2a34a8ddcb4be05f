// Package consumer implements the callback consumer: the terminal acceptor
// of cycle events. It enforces idempotency and fence-token monotonicity per
// agent, keeps a ring buffer of recent events, and stores execution receipts.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/telemetry"
)

// CycleEvent is one accepted scheduler cycle.
type CycleEvent struct {
	ReceivedAt     int64  `json:"receivedAt"`
	AgentKey       string `json:"agentKey"`
	Fence          int64  `json:"fence"`
	IdempotencyKey string `json:"idempotencyKey"`
	QueueTaskID    string `json:"queueTaskId,omitempty"`
	Instance       string `json:"instance,omitempty"`
	Event          string `json:"event,omitempty"`
}

// AcceptOutcome classifies the result of a cycle submission.
type AcceptOutcome int

const (
	OutcomeAccepted AcceptOutcome = iota
	OutcomeDuplicate
	OutcomeStaleFence
)

// AcceptResult carries the outcome plus the fence bookkeeping for the reply.
type AcceptResult struct {
	Outcome       AcceptOutcome
	CurrentFence  int64
	ReceivedFence int64
}

// Service holds consumer state. Fence state lives in redis (hash
// consumer_fence) with an in-process map in front so the monotonic invariant
// survives restarts; with no redis configured the map alone carries it.
type Service struct {
	rdb       *redis.Client // nil in memory-only mode
	prefix    string
	dedupeTTL time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	fences    map[string]int64
	memDedupe map[string]time.Time
	events    []CycleEvent
	eventsCap int

	receipts *ReceiptStore
}

// NewService creates the consumer service.
func NewService(rdb *redis.Client, prefix string, dedupeTTL time.Duration, eventsCap int, receipts *ReceiptStore, logger *slog.Logger) *Service {
	if eventsCap <= 0 {
		eventsCap = 500
	}
	if prefix == "" {
		prefix = "forgeos"
	}
	return &Service{
		rdb:       rdb,
		prefix:    prefix,
		dedupeTTL: dedupeTTL,
		logger:    logger,
		fences:    map[string]int64{},
		memDedupe: map[string]time.Time{},
		eventsCap: eventsCap,
		receipts:  receipts,
	}
}

func (s *Service) dedupeKey(idem string) string {
	return s.prefix + ":consumer_dedupe:" + idem
}

func (s *Service) fenceHashKey() string {
	return s.prefix + ":consumer_fence"
}

// AcceptCycle applies the idempotency and fence checks to one cycle event.
func (s *Service) AcceptCycle(ctx context.Context, ev CycleEvent) (AcceptResult, error) {
	res := AcceptResult{ReceivedFence: ev.Fence}

	duplicate, err := s.markSeen(ctx, ev.IdempotencyKey)
	if err != nil {
		// Fail open on the dedupe store only: at-least-once beats an outage.
		s.logger.Warn("dedupe check failed, accepting", "error", err)
	}
	if duplicate {
		telemetry.ConsumerEventsTotal.WithLabelValues("duplicate").Inc()
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	current := s.currentFence(ctx, ev.AgentKey)
	res.CurrentFence = current

	if ev.Fence < current {
		// Fence checks fail closed: an old leader must be rejected.
		telemetry.ConsumerEventsTotal.WithLabelValues("stale_fence").Inc()
		res.Outcome = OutcomeStaleFence
		return res, nil
	}
	if ev.Fence > current {
		s.advanceFence(ctx, ev.AgentKey, ev.Fence)
		res.CurrentFence = ev.Fence
	}

	ev.ReceivedAt = time.Now().UnixMilli()
	s.pushEvent(ev)

	telemetry.ConsumerEventsTotal.WithLabelValues("accepted").Inc()
	res.Outcome = OutcomeAccepted
	return res, nil
}

// markSeen records the idempotency key, reporting whether it already existed.
func (s *Service) markSeen(ctx context.Context, key string) (bool, error) {
	if s.rdb != nil {
		telemetry.RedisOpsTotal.WithLabelValues("consumer_dedupe").Inc()
		ok, err := s.rdb.SetNX(ctx, s.dedupeKey(key), "1", s.dedupeTTL).Result()
		if err != nil {
			telemetry.RedisErrorsTotal.Inc()
			return false, fmt.Errorf("marking idempotency key: %w", err)
		}
		return !ok, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, ok := s.memDedupe[key]; ok && now.Before(exp) {
		return true, nil
	}
	s.memDedupe[key] = now.Add(s.dedupeTTL)
	return false, nil
}

// currentFence returns the highest fence observed for the agent key. The
// in-process map is authoritative once warm; redis fills it after restarts.
func (s *Service) currentFence(ctx context.Context, agentKey string) int64 {
	s.mu.Lock()
	cur, warm := s.fences[agentKey]
	s.mu.Unlock()
	if warm {
		return cur
	}

	if s.rdb != nil {
		val, err := s.rdb.HGet(ctx, s.fenceHashKey(), agentKey).Int64()
		if err == nil {
			s.mu.Lock()
			if val > s.fences[agentKey] {
				s.fences[agentKey] = val
			}
			cur = s.fences[agentKey]
			s.mu.Unlock()
			return cur
		}
		if err != redis.Nil {
			telemetry.RedisErrorsTotal.Inc()
			s.logger.Warn("loading fence state failed", "agent_key", agentKey, "error", err)
		}
	}
	return 0
}

func (s *Service) advanceFence(ctx context.Context, agentKey string, fence int64) {
	s.mu.Lock()
	if fence > s.fences[agentKey] {
		s.fences[agentKey] = fence
	}
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.HSet(ctx, s.fenceHashKey(), agentKey, fence).Err(); err != nil {
			telemetry.RedisErrorsTotal.Inc()
			s.logger.Warn("persisting fence state failed", "agent_key", agentKey, "error", err)
		}
	}
}

func (s *Service) pushEvent(ev CycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > s.eventsCap {
		s.events = s.events[len(s.events)-s.eventsCap:]
	}
}

// RecentEvents returns up to limit of the most recent accepted events,
// newest first.
func (s *Service) RecentEvents(limit int) []CycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]CycleEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.events[i])
	}
	return out
}

// Receipts exposes the receipt store.
func (s *Service) Receipts() *ReceiptStore {
	return s.receipts
}

// Healthy reports redis reachability (always true in memory-only mode).
func (s *Service) Healthy(ctx context.Context) bool {
	if s.rdb == nil {
		return true
	}
	return s.rdb.Ping(ctx).Err() == nil
}
