package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduper(t *testing.T) (*RedisCallbackDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	d := NewRedisCallbackDeduper(rdb, "forgeos", 500*time.Millisecond, 24*time.Hour, slog.Default())
	return d, mr
}

func TestDedupeBeginCompleteSkips(t *testing.T) {
	d, _ := newTestDeduper(t)
	ctx := context.Background()
	key := "forgeos.scheduler:u1:a1:5:task-1"

	first, err := d.Begin(ctx, key)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if !first.ShouldSend || first.LeaseToken == "" {
		t.Fatalf("Begin() = %+v, want send with token", first)
	}

	// Lease held: a concurrent begin must skip.
	second, err := d.Begin(ctx, key)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if second.ShouldSend {
		t.Error("Begin() during live lease should skip")
	}

	if err := d.Complete(ctx, key, first.LeaseToken); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	// Done marker: every later begin skips.
	third, err := d.Begin(ctx, key)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if third.ShouldSend {
		t.Error("Begin() after done should skip")
	}
}

func TestDedupeReleaseAllowsRetry(t *testing.T) {
	d, _ := newTestDeduper(t)
	ctx := context.Background()
	key := "forgeos.scheduler:u1:a1:5:task-2"

	first, err := d.Begin(ctx, key)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := d.Release(ctx, key, first.LeaseToken); err != nil {
		t.Fatalf("Release() error: %v", err)
	}

	retry, err := d.Begin(ctx, key)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if !retry.ShouldSend {
		t.Error("Begin() after release should send")
	}
}

func TestDedupeCompleteRequiresOwnership(t *testing.T) {
	d, _ := newTestDeduper(t)
	ctx := context.Background()
	key := "forgeos.scheduler:u1:a1:5:task-3"

	first, _ := d.Begin(ctx, key)
	if err := d.Complete(ctx, key, "stolen-token"); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	// The foreign complete was a no-op: the true owner can still complete.
	if err := d.Complete(ctx, key, first.LeaseToken); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	again, _ := d.Begin(ctx, key)
	if again.ShouldSend {
		t.Error("done marker should exist after the owner's complete")
	}
}

func TestDedupeLeaseExpiryUnblocks(t *testing.T) {
	d, mr := newTestDeduper(t)
	ctx := context.Background()
	key := "forgeos.scheduler:u1:a1:5:task-4"

	if _, err := d.Begin(ctx, key); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}

	mr.FastForward(time.Second)

	retry, err := d.Begin(ctx, key)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if !retry.ShouldSend {
		t.Error("Begin() after lease expiry should send (crashed sender)")
	}
}

func TestCallbackIdempotencyKeyShape(t *testing.T) {
	key := CallbackIdempotencyKey("user1:agent1", 10, "task-1")
	want := "forgeos.scheduler:user1:agent1:10:task-1"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}

	// Without a task id the key falls back to an epoch suffix; it must still
	// carry the namespace, agent key and fence.
	k2 := CallbackIdempotencyKey("user1:agent1", 10, "")
	if k2 == key || len(k2) <= len("forgeos.scheduler:user1:agent1:10:") {
		t.Errorf("epoch-suffixed key = %q", k2)
	}
}

func TestMemoryDeduperSemantics(t *testing.T) {
	store := NewMemoryStore(10, time.Minute)
	d := NewMemoryCallbackDeduper(store, time.Minute, time.Hour)
	ctx := context.Background()

	first, err := d.Begin(ctx, "k")
	if err != nil || !first.ShouldSend {
		t.Fatalf("Begin() = %+v, %v", first, err)
	}
	second, _ := d.Begin(ctx, "k")
	if second.ShouldSend {
		t.Error("memory lease should block a second begin")
	}
	if err := d.Complete(ctx, "k", first.LeaseToken); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	third, _ := d.Begin(ctx, "k")
	if third.ShouldSend {
		t.Error("memory done marker should block later begins")
	}
}
