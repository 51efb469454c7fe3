package memory

import (
	"context"
	"testing"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestTickLockExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	ok, err := s.TryAcquireTick(ctx, "sched:t:1", time.Second)
	if err != nil || !ok {
		t.Fatalf("TryAcquireTick() = %v, %v; want true", ok, err)
	}
	if ok, _ := s.TryAcquireTick(ctx, "sched:t:1", time.Second); ok {
		t.Fatal("TryAcquireTick() re-acquired an unexpired lock")
	}

	now = now.Add(2 * time.Second)
	if ok, _ := s.TryAcquireTick(ctx, "sched:t:1", time.Second); !ok {
		t.Fatal("TryAcquireTick() after expiry = false, want true")
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	s := New()
	ctx := context.Background()

	done := make(chan *core.Execution, 1)
	go func() {
		exec, _ := s.Dequeue(ctx, []string{"wake"}, 5*time.Second)
		done <- exec
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.Enqueue(ctx, &core.Execution{TaskID: "wake", ExecID: core.NewUUIDv7()}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case exec := <-done:
		if exec == nil {
			t.Fatal("Dequeue() returned nil after enqueue")
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue() did not wake up on enqueue")
	}
}

func TestDequeueDoesNotStarveQueues(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = s.Enqueue(ctx, &core.Execution{TaskID: "busy", ExecID: core.NewUUIDv7()})
	}
	_ = s.Enqueue(ctx, &core.Execution{TaskID: "quiet", ExecID: core.NewUUIDv7()})

	for i := 0; i < 2; i++ {
		exec, err := s.Dequeue(ctx, []string{"busy", "quiet"}, time.Second)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if exec.TaskID == "quiet" {
			return
		}
	}
	t.Fatal("quiet queue was not served within two dequeues")
}

func TestClosedStoreReturnsInfraErrors(t *testing.T) {
	s := New()
	_ = s.Close()
	err := s.Enqueue(context.Background(), &core.Execution{TaskID: "t", ExecID: "e"})
	if !core.IsRetryable(err) {
		t.Fatalf("Enqueue() on closed store error = %v, want retryable infra error", err)
	}
}
