package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forge-os/forgeos/internal/telemetry"
	"github.com/forge-os/forgeos/pkg/market"
)

// Callback headers stamped onto every cycle POST.
const (
	HeaderSchedulerInstance = "X-ForgeOS-Scheduler-Instance"
	HeaderLeaderFenceToken  = "X-ForgeOS-Leader-Fence-Token"
	HeaderIdempotencyKey    = "X-ForgeOS-Idempotency-Key"
	HeaderQueueTaskID       = "X-ForgeOS-Queue-Task-Id"
	HeaderAgentKey          = "X-ForgeOS-Agent-Key"
)

// failureRetryCapMs bounds how quickly a failing agent is retried.
const failureRetryCapMs = 5000

// CyclePayload is the body POSTed to agent callbacks.
type CyclePayload struct {
	Event     string              `json:"event"`
	Ts        int64               `json:"ts"`
	Scheduler CyclePayloadControl `json:"scheduler"`
	Agent     CyclePayloadAgent   `json:"agent"`
	Market    market.Snapshot     `json:"market"`
}

// CyclePayloadControl is the scheduler block of a cycle payload.
type CyclePayloadControl struct {
	InstanceID             string            `json:"instanceId"`
	LeaderFenceToken       int64             `json:"leaderFenceToken"`
	QueueTaskID            string            `json:"queueTaskId,omitempty"`
	CallbackIdempotencyKey string            `json:"callbackIdempotencyKey"`
	CallbackHeaders        map[string]string `json:"callbackHeaders"`
}

// CyclePayloadAgent is the agent block of a cycle payload.
type CyclePayloadAgent struct {
	ID              string `json:"id"`
	UserID          string `json:"userId"`
	Name            string `json:"name,omitempty"`
	StrategyLabel   string `json:"strategyLabel,omitempty"`
	CycleIntervalMs int64  `json:"cycleIntervalMs"`
}

// Dispatcher drains the execution queue with a bounded worker pool, composes
// market snapshots, and POSTs cycle callbacks behind the idempotency layer.
type Dispatcher struct {
	queue       Queue
	registry    Registry
	schedule    ScheduleIndex
	deduper     CallbackDeduper
	snapshots   *market.SnapshotService
	leader      LeaderLock
	httpc       *http.Client
	concurrency int
	instanceID  string
	logger      *slog.Logger

	pumping atomic.Bool
}

// NewDispatcher creates the dispatch pump.
func NewDispatcher(queue Queue, registry Registry, schedule ScheduleIndex, deduper CallbackDeduper,
	snapshots *market.SnapshotService, leader LeaderLock, callbackTimeout time.Duration,
	concurrency int, instanceID string, logger *slog.Logger) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		queue:       queue,
		registry:    registry,
		schedule:    schedule,
		deduper:     deduper,
		snapshots:   snapshots,
		leader:      leader,
		httpc:       &http.Client{Timeout: callbackTimeout},
		concurrency: concurrency,
		instanceID:  instanceID,
		logger:      logger,
	}
}

// Pump drains the ready queue once. Re-entry while a pump is running is a
// no-op; at most `concurrency` dispatches run at a time.
func (d *Dispatcher) Pump(ctx context.Context) {
	if !d.pumping.CompareAndSwap(false, true) {
		return
	}
	defer d.pumping.Store(false)

	if _, err := d.queue.RequeueExpired(ctx, 100); err != nil {
		d.logger.Warn("requeue expired failed", "error", err)
	}

	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		task, err := d.queue.Claim(ctx)
		if err != nil {
			d.logger.Warn("claim failed", "error", err)
			break
		}
		if task == nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(t Task) {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("dispatch worker panic", "panic", r, "task_id", t.ID)
				}
				<-sem
				wg.Done()
			}()
			telemetry.DispatchTotal.WithLabelValues("started").Inc()
			d.dispatch(ctx, t)
		}(*task)
	}

	wg.Wait()
}

// dispatch executes one claimed task end to end. The ack runs in a defer so
// the task leaves the queue regardless of the dispatch outcome; the only
// exception is the fencing guard, which leaves the task for a newer leader.
func (d *Dispatcher) dispatch(ctx context.Context, task Task) {
	skipAck := false
	defer func() {
		if skipAck {
			return
		}
		if err := d.queue.Ack(ctx, task.ID); err != nil {
			d.logger.Warn("ack failed", "task_id", task.ID, "error", err)
		}
	}()

	// A replica with an older fence must not act on a newer leader's task.
	// Leaving it in processing lets the exec-lease expiry hand it back.
	if fence := d.leader.Fence(); fence < task.LeaderFenceToken {
		d.logger.Warn("skipping task from newer fence",
			"task_fence", task.LeaderFenceToken, "local_fence", fence)
		skipAck = true
		return
	}

	agent, err := d.registry.Get(ctx, task.QueueKey)
	if err != nil {
		d.logger.Warn("hydrating agent failed", "queue_key", task.QueueKey, "error", err)
		return
	}
	if agent == nil || agent.Status != StatusRunning {
		// Removed or paused since enqueue; drop the task quietly.
		return
	}

	if agent.CallbackURL == "" {
		// No callback configured: the cycle is a successful no-op and no
		// idempotency lease is taken.
		telemetry.DispatchTotal.WithLabelValues("completed").Inc()
		d.recordOutcome(ctx, agent, task, true, "")
		return
	}

	snapshot, err := d.snapshots.Compose(ctx, agent.WalletAddress)
	if err != nil {
		telemetry.DispatchTotal.WithLabelValues("failed").Inc()
		d.recordOutcome(ctx, agent, task, false, fmt.Sprintf("market snapshot: %v", err))
		return
	}

	idemKey := CallbackIdempotencyKey(task.QueueKey, task.LeaderFenceToken, task.ID)

	begin, err := d.deduper.Begin(ctx, idemKey)
	if err != nil {
		// Fail open: a store outage degrades to at-least-once.
		d.logger.Warn("idempotency begin failed, sending anyway", "error", err)
		begin = BeginResult{ShouldSend: true}
	}
	if !begin.ShouldSend {
		telemetry.CallbackTotal.WithLabelValues("dedupe_skipped").Inc()
		d.recordOutcome(ctx, agent, task, true, "")
		return
	}

	err = d.post(ctx, agent, task, idemKey, snapshot)
	if err != nil {
		telemetry.CallbackTotal.WithLabelValues("error").Inc()
		telemetry.DispatchTotal.WithLabelValues("failed").Inc()
		if begin.LeaseToken != "" {
			if relErr := d.deduper.Release(ctx, idemKey, begin.LeaseToken); relErr != nil {
				d.logger.Warn("idempotency release failed", "error", relErr)
			}
		}
		d.recordOutcome(ctx, agent, task, false, err.Error())
		return
	}

	telemetry.CallbackTotal.WithLabelValues("success").Inc()
	telemetry.DispatchTotal.WithLabelValues("completed").Inc()
	if begin.LeaseToken != "" {
		if err := d.deduper.Complete(ctx, idemKey, begin.LeaseToken); err != nil {
			d.logger.Warn("idempotency complete failed", "error", err)
		}
	}
	d.recordOutcome(ctx, agent, task, true, "")
}

func (d *Dispatcher) post(ctx context.Context, agent *Agent, task Task, idemKey string, snapshot market.Snapshot) error {
	headers := map[string]string{
		HeaderSchedulerInstance: d.instanceID,
		HeaderLeaderFenceToken:  strconv.FormatInt(task.LeaderFenceToken, 10),
		HeaderIdempotencyKey:    idemKey,
		HeaderQueueTaskID:       task.ID,
		HeaderAgentKey:          task.QueueKey,
	}

	payload := CyclePayload{
		Event: "agent.cycle",
		Ts:    time.Now().UnixMilli(),
		Scheduler: CyclePayloadControl{
			InstanceID:             d.instanceID,
			LeaderFenceToken:       task.LeaderFenceToken,
			QueueTaskID:            task.ID,
			CallbackIdempotencyKey: idemKey,
			CallbackHeaders:        headers,
		},
		Agent: CyclePayloadAgent{
			ID:              agent.AgentID,
			UserID:          agent.UserID,
			Name:            agent.Name,
			StrategyLabel:   agent.StrategyLabel,
			CycleIntervalMs: agent.CycleIntervalMs,
		},
		Market: snapshot,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding cycle payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := d.httpc.Do(req)
	telemetry.CallbackDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}

// recordOutcome updates the agent record and re-schedules its next run. On
// success the failure counter resets; on failure the retry is pulled forward
// to at most five seconds out.
func (d *Dispatcher) recordOutcome(ctx context.Context, agent *Agent, task Task, ok bool, dispatchErr string) {
	now := time.Now().UnixMilli()

	agent.QueuePending = false
	agent.UpdatedAt = now
	agent.LastDispatch = &DispatchSummary{At: now, OK: ok, TaskID: task.ID, Error: dispatchErr}

	if ok {
		agent.FailureCount = 0
		agent.LastCycleAt = now
		agent.NextRunAt = now + agent.CycleIntervalMs
	} else {
		agent.FailureCount++
		retry := agent.CycleIntervalMs
		if retry > failureRetryCapMs {
			retry = failureRetryCapMs
		}
		agent.NextRunAt = now + retry
	}

	if err := d.registry.Upsert(ctx, agent); err != nil {
		d.logger.Warn("persisting agent outcome failed", "queue_key", agent.QueueKey, "error", err)
	}
	if agent.Status == StatusRunning {
		if err := d.schedule.ScheduleUpsert(ctx, agent.QueueKey, agent.NextRunAt); err != nil {
			d.logger.Warn("rescheduling agent failed", "queue_key", agent.QueueKey, "error", err)
		}
	}
}
