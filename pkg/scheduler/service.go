package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forge-os/forgeos/internal/config"
	"github.com/forge-os/forgeos/internal/telemetry"
)

// Control actions accepted by the control plane.
const (
	ActionPause          = "pause"
	ActionResume         = "resume"
	ActionRemove         = "remove"
	ActionUpdateInterval = "updateCycleIntervalMs"
)

// ErrUnknownAction is returned for unrecognized control actions.
var ErrUnknownAction = errors.New("unknown_action")

// ErrAgentNotFound is returned when a control target does not exist.
var ErrAgentNotFound = errors.New("agent_not_found")

// Service owns the scheduler state machine: registry mutations, the gated
// tick loop, and the dispatch pump.
type Service struct {
	cfg        config.SchedulerConfig
	registry   Registry
	schedule   ScheduleIndex
	queue      Queue
	leader     LeaderLock
	dispatcher *Dispatcher
	rdb        *redis.Client // nil in memory mode
	instanceID string
	logger     *slog.Logger

	ticking atomic.Bool
}

// NewService wires the scheduler service.
func NewService(cfg config.SchedulerConfig, registry Registry, schedule ScheduleIndex, queue Queue,
	leader LeaderLock, dispatcher *Dispatcher, rdb *redis.Client, instanceID string, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		registry:   registry,
		schedule:   schedule,
		queue:      queue,
		leader:     leader,
		dispatcher: dispatcher,
		rdb:        rdb,
		instanceID: instanceID,
		logger:     logger,
	}
}

// RegisterRequest is the agent upsert payload.
type RegisterRequest struct {
	UserID          string `json:"userId" validate:"required"`
	AgentID         string `json:"id" validate:"required"`
	Name            string `json:"name"`
	WalletAddress   string `json:"walletAddress" validate:"required"`
	CycleIntervalMs int64  `json:"cycleIntervalMs" validate:"required"`
	CallbackURL     string `json:"callbackUrl"`
	StrategyLabel   string `json:"strategyLabel"`
}

// Register upserts an agent and schedules its first cycle at most one second
// out. Registration is rejected when the registry is at capacity.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	if err := ValidateIdentity(req.UserID, req.AgentID); err != nil {
		return nil, err
	}
	if err := ValidateWallet(req.WalletAddress, s.cfg.WalletPrefixes); err != nil {
		return nil, err
	}
	if err := ValidateCycleInterval(req.CycleIntervalMs); err != nil {
		return nil, err
	}
	if err := ValidateCallbackURL(req.CallbackURL); err != nil {
		return nil, err
	}

	queueKey := QueueKey(req.UserID, req.AgentID)
	now := time.Now()

	existing, err := s.registry.Get(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		count, err := s.registry.Count(ctx)
		if err != nil {
			return nil, err
		}
		if count >= s.cfg.MaxAgents {
			return nil, ErrSchedulerFull
		}
	}

	agent := &Agent{
		UserID:          req.UserID,
		AgentID:         req.AgentID,
		QueueKey:        queueKey,
		Name:            req.Name,
		WalletAddress:   req.WalletAddress,
		Status:          StatusRunning,
		CycleIntervalMs: req.CycleIntervalMs,
		CallbackURL:     req.CallbackURL,
		StrategyLabel:   req.StrategyLabel,
		CreatedAt:       now.UnixMilli(),
		UpdatedAt:       now.UnixMilli(),
		NextRunAt:       InitialNextRun(now, req.CycleIntervalMs),
	}
	if existing != nil {
		agent.CreatedAt = existing.CreatedAt
		agent.LastCycleAt = existing.LastCycleAt
		agent.FailureCount = existing.FailureCount
		agent.LastDispatch = existing.LastDispatch
	}

	if err := s.registry.Upsert(ctx, agent); err != nil {
		return nil, err
	}
	if err := s.schedule.ScheduleUpsert(ctx, queueKey, agent.NextRunAt); err != nil {
		return nil, err
	}
	return agent, nil
}

// Control applies a lifecycle action to an agent.
func (s *Service) Control(ctx context.Context, userID, agentID, action string, cycleIntervalMs int64) (*Agent, error) {
	if err := ValidateIdentity(userID, agentID); err != nil {
		return nil, err
	}
	queueKey := QueueKey(userID, agentID)

	agent, err := s.registry.Get(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, ErrAgentNotFound
	}

	now := time.Now().UnixMilli()
	switch action {
	case ActionPause:
		agent.Status = StatusPaused
		agent.UpdatedAt = now
		if err := s.registry.Upsert(ctx, agent); err != nil {
			return nil, err
		}
		// A paused agent is never present in the due index.
		if err := s.schedule.ScheduleRemove(ctx, queueKey); err != nil {
			return nil, err
		}

	case ActionResume:
		agent.Status = StatusRunning
		agent.UpdatedAt = now
		agent.NextRunAt = InitialNextRun(time.Now(), agent.CycleIntervalMs)
		if err := s.registry.Upsert(ctx, agent); err != nil {
			return nil, err
		}
		if err := s.schedule.ScheduleUpsert(ctx, queueKey, agent.NextRunAt); err != nil {
			return nil, err
		}

	case ActionRemove:
		// The agent record goes immediately; queued tasks are purged except
		// those under a live exec lease, which complete naturally.
		if err := s.registry.Remove(ctx, queueKey); err != nil {
			return nil, err
		}
		if _, err := s.queue.RemoveAgentTasks(ctx, queueKey); err != nil {
			return nil, err
		}
		return agent, nil

	case ActionUpdateInterval:
		if err := ValidateCycleInterval(cycleIntervalMs); err != nil {
			return nil, err
		}
		agent.CycleIntervalMs = cycleIntervalMs
		agent.UpdatedAt = now
		if agent.Status == StatusRunning {
			agent.NextRunAt = InitialNextRun(time.Now(), cycleIntervalMs)
		}
		if err := s.registry.Upsert(ctx, agent); err != nil {
			return nil, err
		}
		if agent.Status == StatusRunning {
			if err := s.schedule.ScheduleUpsert(ctx, queueKey, agent.NextRunAt); err != nil {
				return nil, err
			}
		}

	default:
		return nil, ErrUnknownAction
	}

	return agent, nil
}

// ListAgents returns every registered agent.
func (s *Service) ListAgents(ctx context.Context) ([]*Agent, error) {
	agents, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	telemetry.SchedulerRegisteredAgents.Set(float64(len(agents)))
	return agents, nil
}

// GetAgent returns one agent or nil.
func (s *Service) GetAgent(ctx context.Context, userID, agentID string) (*Agent, error) {
	return s.registry.Get(ctx, QueueKey(userID, agentID))
}

// Tick runs one scheduler pass: gate on leadership, drain the due index into
// the execution queue under per-agent leases, then pump dispatches. A tick
// re-entered while running is a no-op.
func (s *Service) Tick(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		return nil
	}
	defer s.ticking.Store(false)

	isLeader, err := s.leader.AcquireOrRenew(ctx)
	if err != nil {
		return fmt.Errorf("leader check: %w", err)
	}
	if !isLeader {
		return nil
	}

	telemetry.SchedulerTicksTotal.Inc()
	now := time.Now().UnixMilli()
	fence := s.leader.Fence()

	due, err := s.schedule.Due(ctx, now, s.cfg.TickBatch)
	if err != nil {
		return fmt.Errorf("scanning due index: %w", err)
	}
	telemetry.SchedulerDueAgents.Set(float64(len(due)))

	leaseTTL := time.Duration(s.cfg.JobLeaseTTLMs) * time.Millisecond
	queueFull := false

	for _, queueKey := range due {
		if queueFull {
			break
		}

		claimed, err := s.schedule.ClaimDue(ctx, queueKey, fence, leaseTTL, now+leaseTTL.Milliseconds())
		if err != nil {
			s.logger.Warn("claiming due agent failed", "queue_key", queueKey, "error", err)
			continue
		}
		if !claimed {
			continue
		}

		agent, err := s.registry.Get(ctx, queueKey)
		if err != nil {
			s.logger.Warn("hydrating due agent failed", "queue_key", queueKey, "error", err)
			continue
		}
		if agent == nil || agent.Status != StatusRunning {
			if err := s.schedule.ScheduleRemove(ctx, queueKey); err != nil {
				s.logger.Warn("removing stale schedule entry failed", "queue_key", queueKey, "error", err)
			}
			continue
		}

		agent.QueuePending = true
		agent.UpdatedAt = now
		if err := s.registry.Upsert(ctx, agent); err != nil {
			s.logger.Warn("marking agent pending failed", "queue_key", queueKey, "error", err)
		}

		task := NewTask(queueKey, fence, s.instanceID)
		switch err := s.queue.Enqueue(ctx, task); {
		case err == nil:
			telemetry.DispatchTotal.WithLabelValues("queued").Inc()
		case errors.Is(err, ErrQueueFull):
			// Back-pressure: stop enqueueing for this tick; the lease
			// re-score retries the remaining agents shortly.
			s.logger.Warn("execution queue full, pausing enqueues")
			queueFull = true
		default:
			s.logger.Warn("enqueue failed", "queue_key", queueKey, "error", err)
		}
	}

	s.updateDepthGauges(ctx)
	s.dispatcher.Pump(ctx)
	return nil
}

// Run starts the leader loop and the periodic tick until ctx is cancelled.
// Boot recovery runs once before the first tick.
func (s *Service) Run(ctx context.Context) {
	go s.leader.Run(ctx)

	restored, dropped, err := s.queue.RecoverBoot(ctx)
	if err != nil {
		s.logger.Warn("boot recovery failed", "error", err)
	} else if restored > 0 || dropped > 0 {
		s.logger.Info("boot recovery completed", "restored", restored, "dropped", dropped)
	}

	interval := time.Duration(s.cfg.TickMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler loop started",
		"tick", interval, "instance", s.instanceID, "concurrency", s.cfg.CycleConcurrency)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Warn("tick failed", "error", err)
			}
		}
	}
}

// Shutdown releases leadership. Call before closing the store so fenced
// writes cannot race the release.
func (s *Service) Shutdown(ctx context.Context) {
	if err := s.leader.Release(ctx); err != nil {
		s.logger.Warn("releasing leadership on shutdown", "error", err)
	}
}

// Status summarizes scheduler health for /health and /v1/scheduler/status.
func (s *Service) Status(ctx context.Context) map[string]any {
	ready, processing, inflight, err := s.queue.Depths(ctx)
	redisOK := true
	if s.rdb != nil {
		redisOK = s.rdb.Ping(ctx).Err() == nil
	}
	out := map[string]any{
		"instanceId": s.instanceID,
		"isLeader":   s.leader.IsLeader(),
		"fence":      s.leader.Fence(),
		"redis":      redisOK,
		"queue": map[string]any{
			"ready":      ready,
			"processing": processing,
			"inflight":   inflight,
		},
	}
	if err != nil {
		out["queueError"] = err.Error()
	}
	return out
}

func (s *Service) updateDepthGauges(ctx context.Context) {
	ready, processing, inflight, err := s.queue.Depths(ctx)
	if err != nil {
		return
	}
	telemetry.QueueDepth.WithLabelValues("ready").Set(float64(ready))
	telemetry.QueueDepth.WithLabelValues("processing").Set(float64(processing))
	telemetry.QueueDepth.WithLabelValues("inflight").Set(float64(inflight))
}
