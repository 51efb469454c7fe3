// Package storetest holds behavioral tests shared by every core.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) core.Store

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newStore(t)) })
	t.Run("DequeueTimeout", func(t *testing.T) { testDequeueTimeout(t, newStore(t)) })
	t.Run("DequeueMultipleQueues", func(t *testing.T) { testDequeueMultipleQueues(t, newStore(t)) })
	t.Run("EnqueueWithoutRetry", func(t *testing.T) { testEnqueueWithoutRetry(t, newStore(t)) })
	t.Run("EnqueueWithRetry", func(t *testing.T) { testEnqueueWithRetry(t, newStore(t)) })
	t.Run("AcknowledgeIdempotent", func(t *testing.T) { testAcknowledgeIdempotent(t, newStore(t)) })
	t.Run("ReapRefreshesRetry", func(t *testing.T) { testReapRefreshesRetry(t, newStore(t)) })
	t.Run("ReapDropsDelayed", func(t *testing.T) { testReapDropsDelayed(t, newStore(t)) })
	t.Run("ConcurrentReapersClaimOnce", func(t *testing.T) { testConcurrentReapers(t, newStore(t)) })
	t.Run("TickLockSingleWinner", func(t *testing.T) { testTickLock(t, newStore(t)) })
}

func newExec(taskID, data string) *core.Execution {
	return &core.Execution{
		TaskID:    taskID,
		ExecID:    core.NewUUIDv7(),
		Data:      data,
		CreatedAt: core.NowFormatted(),
	}
}

func testFIFO(t *testing.T, s core.Store) {
	ctx := context.Background()
	task := "fifo-" + core.NewUUIDv7()
	for i := 0; i < 5; i++ {
		if err := s.Enqueue(ctx, newExec(task, fmt.Sprint(i))); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		got, err := s.Dequeue(ctx, []string{task}, time.Second)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got == nil {
			t.Fatalf("Dequeue() #%d returned nothing", i)
		}
		if got.Data != fmt.Sprint(i) {
			t.Fatalf("Dequeue() #%d data = %q, want %q", i, got.Data, fmt.Sprint(i))
		}
	}
}

func testDequeueTimeout(t *testing.T, s core.Store) {
	start := time.Now()
	got, err := s.Dequeue(context.Background(), []string{"empty-" + core.NewUUIDv7()}, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Dequeue() on empty queue = %+v, want nil", got)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("Dequeue() returned after %v, expected it to block", elapsed)
	}
}

func testDequeueMultipleQueues(t *testing.T, s core.Store) {
	ctx := context.Background()
	a := "multi-a-" + core.NewUUIDv7()
	b := "multi-b-" + core.NewUUIDv7()
	if err := s.Enqueue(ctx, newExec(a, "from-a")); err != nil {
		t.Fatalf("Enqueue(a) error = %v", err)
	}
	if err := s.Enqueue(ctx, newExec(b, "from-b")); err != nil {
		t.Fatalf("Enqueue(b) error = %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		got, err := s.Dequeue(ctx, []string{a, b}, time.Second)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got == nil {
			t.Fatalf("Dequeue() #%d returned nothing", i)
		}
		seen[got.Data] = true
	}
	if !seen["from-a"] || !seen["from-b"] {
		t.Fatalf("Dequeue() over two queues saw %v, want both items", seen)
	}
}

func testEnqueueWithoutRetry(t *testing.T, s core.Store) {
	ctx := context.Background()
	if err := s.Enqueue(ctx, newExec("plain-"+core.NewUUIDv7(), "x")); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, ok, err := s.PeekEarliestDeadline(ctx); err != nil || ok {
		t.Fatalf("PeekEarliestDeadline() ok = %v, err = %v; want no entry for fire-and-forget", ok, err)
	}
}

func testEnqueueWithRetry(t *testing.T, s core.Store) {
	ctx := context.Background()
	exec := newExec("retry-"+core.NewUUIDv7(), "x")
	exec.Retry = core.NewRetryPolicy(time.Minute)

	before := time.Now()
	if err := s.Enqueue(ctx, exec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	head, ok, err := s.PeekEarliestDeadline(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekEarliestDeadline() ok = %v, err = %v; want entry", ok, err)
	}
	if head.ExecID != exec.ExecID {
		t.Fatalf("PeekEarliestDeadline() exec = %q, want %q", head.ExecID, exec.ExecID)
	}
	if head.At.Before(before.Add(time.Minute - time.Second)) {
		t.Fatalf("deadline %v is earlier than enqueue time + retry timeout", head.At)
	}

	got, err := s.Dequeue(ctx, []string{exec.TaskID}, time.Second)
	if err != nil || got == nil {
		t.Fatalf("Dequeue() = %v, %v; want the execution", got, err)
	}
	if !got.Retry.Active() {
		t.Fatal("dequeued execution lost its retry policy")
	}
}

func testAcknowledgeIdempotent(t *testing.T, s core.Store) {
	ctx := context.Background()
	exec := newExec("ack-"+core.NewUUIDv7(), "x")
	exec.Retry = core.NewRetryPolicy(time.Minute)
	if err := s.Enqueue(ctx, exec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := s.Acknowledge(ctx, exec.ExecID); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if err := s.Acknowledge(ctx, exec.ExecID); err != nil {
		t.Fatalf("second Acknowledge() error = %v", err)
	}
	if _, ok, err := s.PeekEarliestDeadline(ctx); err != nil || ok {
		t.Fatalf("PeekEarliestDeadline() after ack ok = %v, err = %v; want empty", ok, err)
	}
	res, err := s.ReapIfDue(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReapIfDue() error = %v", err)
	}
	if res.Outcome != core.ReapEmpty {
		t.Fatalf("ReapIfDue() after ack outcome = %v, want %v", res.Outcome, core.ReapEmpty)
	}
}

func testReapRefreshesRetry(t *testing.T, s core.Store) {
	ctx := context.Background()
	exec := newExec("reap-"+core.NewUUIDv7(), "payload")
	exec.Retry = core.NewRetryPolicy(10 * time.Second)
	if err := s.Enqueue(ctx, exec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	res, err := s.ReapIfDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ReapIfDue(now) error = %v", err)
	}
	if res.Outcome != core.ReapNotYet {
		t.Fatalf("ReapIfDue(now) outcome = %v, want %v", res.Outcome, core.ReapNotYet)
	}

	reapAt := time.Now().Add(time.Minute)
	res, err = s.ReapIfDue(ctx, reapAt)
	if err != nil {
		t.Fatalf("ReapIfDue(later) error = %v", err)
	}
	if res.Outcome != core.ReapReaped {
		t.Fatalf("ReapIfDue(later) outcome = %v, want %v", res.Outcome, core.ReapReaped)
	}
	if res.Execution == nil || res.Execution.ExecID != exec.ExecID || res.Execution.Data != "payload" {
		t.Fatalf("ReapIfDue(later) execution = %+v, want %s", res.Execution, exec.ExecID)
	}

	head, ok, err := s.PeekEarliestDeadline(ctx)
	if err != nil || !ok {
		t.Fatalf("PeekEarliestDeadline() after reap ok = %v, err = %v; want refreshed entry", ok, err)
	}
	want := reapAt.Add(10 * time.Second)
	if diff := head.At.Sub(want); diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("refreshed deadline = %v, want %v", head.At, want)
	}

	if err := s.Acknowledge(ctx, exec.ExecID); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if _, ok, _ := s.PeekEarliestDeadline(ctx); ok {
		t.Fatal("entry still present after acknowledge")
	}
}

func testReapDropsDelayed(t *testing.T, s core.Store) {
	ctx := context.Background()
	exec := newExec("delayed-"+core.NewUUIDv7(), "later")
	at := time.Now().Add(200 * time.Millisecond)
	if err := s.Schedule(ctx, exec, at); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	got, err := s.Dequeue(ctx, []string{exec.TaskID}, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got != nil {
		t.Fatal("delayed execution was visible in its queue before being reaped")
	}

	res, err := s.ReapIfDue(ctx, at.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("ReapIfDue() error = %v", err)
	}
	if res.Outcome != core.ReapReaped || res.Execution.ExecID != exec.ExecID {
		t.Fatalf("ReapIfDue() = %+v, want reaped %s", res, exec.ExecID)
	}
	if _, ok, _ := s.PeekEarliestDeadline(ctx); ok {
		t.Fatal("delayed execution without retry policy was re-armed")
	}
}

func testConcurrentReapers(t *testing.T, s core.Store) {
	ctx := context.Background()
	exec := newExec("race-"+core.NewUUIDv7(), "x")
	exec.Retry = core.NewRetryPolicy(time.Hour)
	if err := s.Enqueue(ctx, exec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	now := time.Now().Add(2 * time.Hour)
	var reaped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ReapIfDue(ctx, now)
			if err != nil {
				t.Errorf("ReapIfDue() error = %v", err)
				return
			}
			if res.Outcome == core.ReapReaped {
				reaped.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := reaped.Load(); got != 1 {
		t.Fatalf("concurrent reapers claimed %d times, want 1", got)
	}
}

func testTickLock(t *testing.T, s core.Store) {
	ctx := context.Background()
	key := core.TickExecID("lock-"+core.NewUUIDv7(), time.Now())

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryAcquireTick(ctx, key, time.Minute)
			if err != nil {
				t.Errorf("TryAcquireTick() error = %v", err)
				return
			}
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := won.Load(); got != 1 {
		t.Fatalf("TryAcquireTick() winners = %d, want 1", got)
	}

	other := core.TickExecID("lock-"+core.NewUUIDv7(), time.Now())
	ok, err := s.TryAcquireTick(ctx, other, time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquireTick(other tick) = %v, %v; want true", ok, err)
	}
}
