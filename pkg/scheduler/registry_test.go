package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisRegistry(rdb, "forgeos", "inst-test", slog.Default()), mr, rdb
}

func testAgent(queueKey string) *Agent {
	userID, agentID := SplitQueueKey(queueKey)
	now := time.Now().UnixMilli()
	return &Agent{
		UserID: userID, AgentID: agentID, QueueKey: queueKey,
		WalletAddress: "kaspa:qtest", Status: StatusRunning,
		CycleIntervalMs: 1000, CreatedAt: now, UpdatedAt: now, NextRunAt: now,
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent := testAgent("u1:a1")
	agent.Name = "alpha"
	if err := r.Upsert(ctx, agent); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err := r.Get(ctx, "u1:a1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil || got.Name != "alpha" || got.QueueKey != "u1:a1" || got.Status != StatusRunning {
		t.Errorf("Get() = %+v", got)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 || list[0].QueueKey != "u1:a1" {
		t.Errorf("List() = %v", list)
	}

	n, _ := r.Count(ctx)
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	got, err := r.Get(context.Background(), "nope:nope")
	if err != nil || got != nil {
		t.Errorf("Get(missing) = (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestRegistryRemoveCleansSchedule(t *testing.T) {
	r, _, rdb := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Upsert(ctx, testAgent("u1:a1")); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := r.ScheduleUpsert(ctx, "u1:a1", time.Now().UnixMilli()); err != nil {
		t.Fatalf("ScheduleUpsert() error: %v", err)
	}

	if err := r.Remove(ctx, "u1:a1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if n := rdb.HLen(ctx, "forgeos:agents").Val(); n != 0 {
		t.Errorf("agents hash = %d entries, want 0", n)
	}
	if n := rdb.ZCard(ctx, "forgeos:agent_schedule").Val(); n != 0 {
		t.Errorf("schedule zset = %d entries, want 0", n)
	}
}

func TestDueReturnsOnlyRipe(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	r.ScheduleUpsert(ctx, "u1:past", now-1000)
	r.ScheduleUpsert(ctx, "u1:now", now)
	r.ScheduleUpsert(ctx, "u1:future", now+60000)

	due, err := r.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due() error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due() = %v, want 2 entries", due)
	}
	if due[0] != "u1:past" || due[1] != "u1:now" {
		t.Errorf("Due() order = %v, want score order", due)
	}
}

func TestClaimDueTakesLeaseAndRescores(t *testing.T) {
	r, _, rdb := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	r.ScheduleUpsert(ctx, "u1:a1", now)

	claimed, err := r.ClaimDue(ctx, "u1:a1", 7, time.Minute, now+60000)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	// The reservation re-scored the entry past now.
	score := rdb.ZScore(ctx, "forgeos:agent_schedule", "u1:a1").Val()
	if int64(score) != now+60000 {
		t.Errorf("score = %v, want %d", score, now+60000)
	}

	// A second leader cannot claim while the lease is live.
	claimed, err = r.ClaimDue(ctx, "u1:a1", 8, time.Minute, now+60000)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if claimed {
		t.Error("second claim should be blocked by the lease")
	}
}

func TestClaimDueAfterLeaseExpiry(t *testing.T) {
	r, mr, _ := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	r.ScheduleUpsert(ctx, "u1:a1", now)
	if ok, _ := r.ClaimDue(ctx, "u1:a1", 7, 50*time.Millisecond, now+50); !ok {
		t.Fatal("first claim should succeed")
	}

	mr.FastForward(100 * time.Millisecond)

	ok, err := r.ClaimDue(ctx, "u1:a1", 8, time.Minute, now+60000)
	if err != nil {
		t.Fatalf("ClaimDue() error: %v", err)
	}
	if !ok {
		t.Error("claim should succeed after the lease lapses")
	}
}

func TestRegistryDropsMalformedRecord(t *testing.T) {
	r, _, rdb := newTestRegistry(t)
	ctx := context.Background()

	rdb.HSet(ctx, "forgeos:agents", "u1:bad", "{not json")

	got, err := r.Get(ctx, "u1:bad")
	if err != nil || got != nil {
		t.Errorf("Get(malformed) = (%+v, %v), want (nil, nil)", got, err)
	}
	if rdb.HExists(ctx, "forgeos:agents", "u1:bad").Val() {
		t.Error("malformed record should be dropped from the hash")
	}
}
