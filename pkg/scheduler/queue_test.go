package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxDepth int, leaseTTL time.Duration) (*RedisQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := NewRedisQueue(rdb, "forgeos", maxDepth, leaseTTL, "inst-test", slog.Default())
	return q, mr, rdb
}

func mustEnqueue(t *testing.T, q *RedisQueue, task Task) {
	t.Helper()
	if err := q.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue(%s) error: %v", task.ID, err)
	}
}

func TestEnqueueClaimAck(t *testing.T) {
	q, _, rdb := newTestQueue(t, 10, time.Minute)
	ctx := context.Background()

	task := NewTask("u1:a1", 3, "inst-test")
	mustEnqueue(t, q, task)

	ready, processing, inflight, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths() error: %v", err)
	}
	if ready != 1 || processing != 0 || inflight != 0 {
		t.Errorf("depths = (%d,%d,%d), want (1,0,0)", ready, processing, inflight)
	}

	claimed, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID || claimed.QueueKey != "u1:a1" || claimed.LeaderFenceToken != 3 {
		t.Fatalf("Claim() = %+v", claimed)
	}

	// Invariant: a claimed task is in processing and inflight, not ready.
	ready, processing, inflight, _ = q.Depths(ctx)
	if ready != 0 || processing != 1 || inflight != 1 {
		t.Errorf("depths after claim = (%d,%d,%d), want (0,1,1)", ready, processing, inflight)
	}
	if rdb.Exists(ctx, "forgeos:exec_lease:"+task.ID).Val() != 1 {
		t.Error("exec lease should exist after claim")
	}

	if err := q.Ack(ctx, task.ID); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	ready, processing, inflight, _ = q.Depths(ctx)
	if ready+processing+inflight != 0 {
		t.Errorf("depths after ack = (%d,%d,%d), want all zero", ready, processing, inflight)
	}
	if n := rdb.HLen(ctx, "forgeos:cycle_queue_payloads").Val(); n != 0 {
		t.Errorf("payloads remaining = %d", n)
	}
	if n := rdb.HLen(ctx, "forgeos:cycle_queue_task_owners").Val(); n != 0 {
		t.Errorf("owners remaining = %d", n)
	}
	if n := rdb.SCard(ctx, "forgeos:exec_agent_tasks:u1:a1").Val(); n != 0 {
		t.Errorf("agent task set remaining = %d", n)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t, 10, time.Minute)
	task, err := q.Claim(context.Background())
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if task != nil {
		t.Errorf("Claim() = %+v, want nil on empty queue", task)
	}
}

func TestEnqueueRejectsAtDepthCap(t *testing.T) {
	q, _, rdb := newTestQueue(t, 2, time.Minute)
	ctx := context.Background()

	mustEnqueue(t, q, NewTask("u1:a1", 1, "i"))
	mustEnqueue(t, q, NewTask("u1:a1", 1, "i"))

	err := q.Enqueue(ctx, NewTask("u1:a1", 1, "i"))
	if err != ErrQueueFull {
		t.Fatalf("Enqueue() error = %v, want ErrQueueFull", err)
	}

	// Back-pressure must not leave partial state behind.
	if n := rdb.HLen(ctx, "forgeos:cycle_queue_payloads").Val(); n != 2 {
		t.Errorf("payloads = %d, want 2 (no partial write)", n)
	}
	if n := rdb.LLen(ctx, "forgeos:cycle_queue").Val(); n != 2 {
		t.Errorf("ready = %d, want 2", n)
	}
}

func TestRequeueExpiredRestoresUnleased(t *testing.T) {
	q, mr, _ := newTestQueue(t, 10, 20*time.Millisecond)
	ctx := context.Background()

	task := NewTask("u1:a1", 1, "i")
	mustEnqueue(t, q, task)
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	// While the exec lease is live, nothing is reclaimed.
	n, err := q.RequeueExpired(ctx, 10)
	if err != nil {
		t.Fatalf("RequeueExpired() error: %v", err)
	}
	if n != 0 {
		t.Errorf("RequeueExpired() = %d, want 0 while leased", n)
	}

	// Let both the lease and the inflight deadline lapse.
	time.Sleep(30 * time.Millisecond)
	mr.FastForward(50 * time.Millisecond)

	n, err = q.RequeueExpired(ctx, 10)
	if err != nil {
		t.Fatalf("RequeueExpired() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("RequeueExpired() = %d, want 1", n)
	}

	ready, processing, inflight, _ := q.Depths(ctx)
	if ready != 1 || processing != 0 || inflight != 0 {
		t.Errorf("depths = (%d,%d,%d), want (1,0,0)", ready, processing, inflight)
	}

	// The restored task is claimable again.
	claimed, err := q.Claim(ctx)
	if err != nil || claimed == nil || claimed.ID != task.ID {
		t.Errorf("Claim() after requeue = %+v, %v", claimed, err)
	}
}

// Boot recovery: payloads {R, L, Y}, processing [R, L], inflight {R, L},
// ready [Y], exec lease only for L. After recovery, ready is [Y, R] and L
// stays in processing and inflight.
func TestBootRecovery(t *testing.T) {
	q, _, rdb := newTestQueue(t, 10, time.Minute)
	ctx := context.Background()

	mk := func(id string) string {
		b, _ := json.Marshal(Task{
			ID: id, Kind: TaskKindAgentCycle, QueueKey: "u1:a1",
			EnqueuedAt: time.Now().UnixMilli(), LeaderFenceToken: 1, InstanceID: "dead",
		})
		return string(b)
	}

	deadline := float64(time.Now().Add(30 * time.Second).UnixMilli())
	rdb.HSet(ctx, "forgeos:cycle_queue_payloads", "R", mk("R"), "L", mk("L"), "Y", mk("Y"))
	rdb.RPush(ctx, "forgeos:cycle_queue_processing", "R", "L")
	rdb.ZAdd(ctx, "forgeos:cycle_queue_inflight",
		redis.Z{Score: deadline, Member: "R"},
		redis.Z{Score: deadline, Member: "L"},
	)
	rdb.RPush(ctx, "forgeos:cycle_queue", "Y")
	rdb.Set(ctx, "forgeos:exec_lease:L", "alive-holder", time.Minute)

	restored, dropped, err := q.RecoverBoot(ctx)
	if err != nil {
		t.Fatalf("RecoverBoot() error: %v", err)
	}
	if restored != 1 || dropped != 0 {
		t.Errorf("RecoverBoot() = (%d,%d), want (1,0)", restored, dropped)
	}

	ready, err := rdb.LRange(ctx, "forgeos:cycle_queue", 0, -1).Result()
	if err != nil {
		t.Fatalf("LRange: %v", err)
	}
	if len(ready) != 2 || ready[0] != "Y" || ready[1] != "R" {
		t.Errorf("ready = %v, want [Y R]", ready)
	}

	processing, _ := rdb.LRange(ctx, "forgeos:cycle_queue_processing", 0, -1).Result()
	if len(processing) != 1 || processing[0] != "L" {
		t.Errorf("processing = %v, want [L]", processing)
	}
	if n := rdb.ZCard(ctx, "forgeos:cycle_queue_inflight").Val(); n != 1 {
		t.Errorf("inflight = %d, want 1 (only L)", n)
	}

	// Derived structures rebuilt from payloads.
	owners, _ := rdb.HGetAll(ctx, "forgeos:cycle_queue_task_owners").Result()
	for _, id := range []string{"R", "L", "Y"} {
		if owners[id] != "u1:a1" {
			t.Errorf("owner[%s] = %q, want u1:a1", id, owners[id])
		}
	}
	members, _ := rdb.SMembers(ctx, "forgeos:exec_agent_tasks:u1:a1").Result()
	if len(members) != 3 {
		t.Errorf("agent task set = %v, want 3 members", members)
	}
}

// Agent removal under lease: continuing the boot-recovery state, removing
// the agent purges Y and R everywhere while the leased L survives intact.
func TestRemoveAgentTasksSparesLeased(t *testing.T) {
	q, _, rdb := newTestQueue(t, 10, time.Minute)
	ctx := context.Background()

	mk := func(id string) string {
		b, _ := json.Marshal(Task{ID: id, Kind: TaskKindAgentCycle, QueueKey: "u1:a1"})
		return string(b)
	}

	deadline := float64(time.Now().Add(30 * time.Second).UnixMilli())
	rdb.HSet(ctx, "forgeos:cycle_queue_payloads", "R", mk("R"), "L", mk("L"), "Y", mk("Y"))
	rdb.RPush(ctx, "forgeos:cycle_queue_processing", "R", "L")
	rdb.ZAdd(ctx, "forgeos:cycle_queue_inflight",
		redis.Z{Score: deadline, Member: "R"},
		redis.Z{Score: deadline, Member: "L"},
	)
	rdb.RPush(ctx, "forgeos:cycle_queue", "Y")
	rdb.Set(ctx, "forgeos:exec_lease:L", "alive-holder", time.Minute)

	if _, _, err := q.RecoverBoot(ctx); err != nil {
		t.Fatalf("RecoverBoot() error: %v", err)
	}

	removed, err := q.RemoveAgentTasks(ctx, "u1:a1")
	if err != nil {
		t.Fatalf("RemoveAgentTasks() error: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (Y and R)", removed)
	}

	if n := rdb.LLen(ctx, "forgeos:cycle_queue").Val(); n != 0 {
		t.Errorf("ready len = %d, want 0", n)
	}
	processing, _ := rdb.LRange(ctx, "forgeos:cycle_queue_processing", 0, -1).Result()
	if len(processing) != 1 || processing[0] != "L" {
		t.Errorf("processing = %v, want [L]", processing)
	}
	if !rdb.HExists(ctx, "forgeos:cycle_queue_payloads", "L").Val() {
		t.Error("payload L should survive while leased")
	}
	if rdb.HExists(ctx, "forgeos:cycle_queue_payloads", "Y").Val() {
		t.Error("payload Y should be purged")
	}
	if owners, _ := rdb.HGetAll(ctx, "forgeos:cycle_queue_task_owners").Result(); len(owners) != 1 {
		t.Errorf("owners = %v, want only L", owners)
	}
	members, _ := rdb.SMembers(ctx, "forgeos:exec_agent_tasks:u1:a1").Result()
	if len(members) != 1 || members[0] != "L" {
		t.Errorf("agent task set = %v, want [L]", members)
	}

	// L completes naturally and cleans up at ack.
	if err := q.Ack(ctx, "L"); err != nil {
		t.Fatalf("Ack(L) error: %v", err)
	}
	if n := rdb.SCard(ctx, "forgeos:exec_agent_tasks:u1:a1").Val(); n != 0 {
		t.Errorf("agent task set after ack = %d, want 0", n)
	}
}

func TestClaimDropsTaskWithoutPayload(t *testing.T) {
	q, _, rdb := newTestQueue(t, 10, time.Minute)
	ctx := context.Background()

	rdb.RPush(ctx, "forgeos:cycle_queue", "ghost")

	task, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	if task != nil {
		t.Errorf("Claim() = %+v, want nil for ghost id", task)
	}
	if n := rdb.LLen(ctx, "forgeos:cycle_queue_processing").Val(); n != 0 {
		t.Errorf("processing = %d, want 0", n)
	}
}
