package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/openjobspec/schedmq/internal/core"
	redisstore "github.com/openjobspec/schedmq/internal/redis"
)

func newRedisStore(t *testing.T, mr *miniredis.Miniredis) *redisstore.Store {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	blocking := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), PoolSize: 2})
	t.Cleanup(func() {
		_ = client.Close()
		_ = blocking.Close()
	})
	return redisstore.New(client, blocking)
}

func TestRedisRetryThenAcknowledge(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(t, mr)
	s := newTestScheduler(t, store)

	var calls atomic.Int32
	if err := s.Bind("redis-flaky", BoolFunc(func(string) bool {
		return calls.Add(1) >= 2
	})); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	s.Start()

	if _, err := s.Push(context.Background(), "redis-flaky", PushOptions{Data: "x", Retry: core.NewRetryPolicy(150 * time.Millisecond)}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return calls.Load() == 2 })
	time.Sleep(500 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Fatalf("deliveries = %d, want 2", got)
	}
	if _, ok, err := store.PeekEarliestDeadline(context.Background()); err != nil || ok {
		t.Fatalf("PeekEarliestDeadline() = %v, %v; want empty after acknowledgment", ok, err)
	}
}

func TestRedisWorkersShareQueue(t *testing.T) {
	mr := miniredis.RunT(t)

	const payloads = 100
	var (
		mu  sync.Mutex
		got = make(map[string]int)
		n   atomic.Int32
	)
	for i := 0; i < 4; i++ {
		s := newTestScheduler(t, newRedisStore(t, mr))
		if err := s.Bind("shared", BoolFunc(func(data string) bool {
			mu.Lock()
			got[data]++
			mu.Unlock()
			n.Add(1)
			return true
		})); err != nil {
			t.Fatalf("Bind() error = %v", err)
		}
		s.Start()
	}

	pusher := New(newRedisStore(t, mr), WithLogger(quietLogger))
	for i := 0; i < payloads; i++ {
		if _, err := pusher.Push(context.Background(), "shared", PushOptions{Data: fmt.Sprintf("payload-%d", i)}); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	waitFor(t, 10*time.Second, func() bool { return n.Load() >= payloads })
	mu.Lock()
	defer mu.Unlock()
	for data, count := range got {
		if count != 1 {
			t.Fatalf("payload %q delivered %d times, want 1", data, count)
		}
	}
	if len(got) != payloads {
		t.Fatalf("distinct payloads = %d, want %d", len(got), payloads)
	}
}

func TestRedisPushRejectsReservedTaskIDs(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newRedisStore(t, mr)
	s := newTestScheduler(t, store)
	ctx := context.Background()

	if _, err := s.Push(ctx, "jobs", PushOptions{Data: "x", Retry: core.NewRetryPolicy(time.Minute)}); err != nil {
		t.Fatalf("Push(jobs) error = %v", err)
	}
	for _, id := range []string{"tq", "sched:jobs", "jobs:lk", core.NewUUIDv7()} {
		if _, err := s.Push(ctx, id, PushOptions{Data: "x"}); !errors.Is(err, core.ErrReservedTaskID) {
			t.Fatalf("Push(%q) error = %v, want %v", id, err, core.ErrReservedTaskID)
		}
	}

	members, err := mr.ZMembers(redisstore.DefaultPrefix + "tq")
	if err != nil {
		t.Fatalf("ZMembers() error = %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("timeout index members = %v, want the one retried push", members)
	}
}
