package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/storetest"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	blocking := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), PoolSize: 4})
	t.Cleanup(func() {
		_ = client.Close()
		_ = blocking.Close()
	})
	return New(client, blocking, opts...), mr
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestKeyLayout(t *testing.T) {
	s, mr := newTestStore(t, WithPrefix("test:"))
	ctx := context.Background()

	exec := &core.Execution{TaskID: "simple", ExecID: "abc", Retry: core.NewRetryPolicy(time.Minute)}
	if err := s.Enqueue(ctx, exec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if !mr.Exists("test:simple") {
		t.Error("task queue key test:simple missing")
	}
	if !mr.Exists("test:abc") {
		t.Error("execution body key test:abc missing")
	}
	members, err := mr.ZMembers("test:tq")
	if err != nil {
		t.Fatalf("ZMembers(test:tq) error = %v", err)
	}
	if len(members) != 1 || members[0] != "abc" {
		t.Errorf("timeout index members = %v, want [abc]", members)
	}

	ok, err := s.TryAcquireTick(ctx, "sched:simple:1000", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("TryAcquireTick() = %v, %v; want true", ok, err)
	}
	if !mr.Exists("test:sched:simple:1000:lk") {
		t.Error("tick lock key test:sched:simple:1000:lk missing")
	}
	if ttl := mr.TTL("test:sched:simple:1000:lk"); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("tick lock TTL = %v, want within (0, 30s]", ttl)
	}
}

func TestTickLockExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.TryAcquireTick(ctx, "sched:t:1", time.Second); !ok {
		t.Fatal("first TryAcquireTick() = false, want true")
	}
	if ok, _ := s.TryAcquireTick(ctx, "sched:t:1", time.Second); ok {
		t.Fatal("TryAcquireTick() on held lock = true, want false")
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := s.TryAcquireTick(ctx, "sched:t:1", time.Second); !ok {
		t.Fatal("TryAcquireTick() after expiry = false, want true")
	}
}

func TestReapDropsOrphanedEntry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := mr.ZAdd(DefaultPrefix+"tq", 1, "orphan"); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	res, err := s.ReapIfDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ReapIfDue() error = %v", err)
	}
	if res.Outcome != core.ReapDropped {
		t.Fatalf("ReapIfDue() outcome = %v, want %v", res.Outcome, core.ReapDropped)
	}
	if _, ok, _ := s.PeekEarliestDeadline(ctx); ok {
		t.Fatal("orphaned entry is still indexed")
	}
}

func TestAcknowledgeAfterReapStopsRedelivery(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	exec := &core.Execution{TaskID: "acked", ExecID: core.NewUUIDv7(), Retry: core.NewRetryPolicy(50 * time.Millisecond)}
	if err := s.Enqueue(ctx, exec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	res, err := s.ReapIfDue(ctx, time.Now().Add(time.Second))
	if err != nil || res.Outcome != core.ReapReaped {
		t.Fatalf("ReapIfDue() = %+v, %v; want reaped", res, err)
	}
	if err := s.Acknowledge(ctx, exec.ExecID); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if mr.Exists(DefaultPrefix + exec.ExecID) {
		t.Error("stored body survived acknowledge")
	}
	res, err = s.ReapIfDue(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReapIfDue() error = %v", err)
	}
	if res.Outcome != core.ReapEmpty {
		t.Fatalf("ReapIfDue() after ack outcome = %v, want %v", res.Outcome, core.ReapEmpty)
	}
}

func TestBlockSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, time.Second},
		{100 * time.Millisecond, time.Second},
		{time.Second, time.Second},
		{1500 * time.Millisecond, 2 * time.Second},
		{3 * time.Second, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := blockSeconds(tt.in); got != tt.want {
			t.Errorf("blockSeconds(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
