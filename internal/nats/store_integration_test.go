package nats

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		return newIntegrationStore(t)
	})
}

func TestTickLockIgnoresCallerTTL(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	key := core.TickExecID("ttl", time.Now())
	ok, err := s.TryAcquireTick(ctx, key, time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("TryAcquireTick() = %v, %v; want true", ok, err)
	}
	time.Sleep(20 * time.Millisecond)
	ok, err = s.TryAcquireTick(ctx, key, time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireTick() error = %v", err)
	}
	if ok {
		t.Fatal("TryAcquireTick() = true before the bucket TTL elapsed, want false")
	}
}

func TestPingReportsConnected(t *testing.T) {
	s := newIntegrationStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestPubSubBrokerDeliversEvents(t *testing.T) {
	s := newIntegrationStore(t)
	broker := NewPubSubBroker(s.Conn(), s.names.prefix)
	t.Cleanup(func() { _ = broker.Close() })

	events, unsubscribe, err := broker.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()
	if err := s.Conn().Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	exec := &core.Execution{TaskID: "events", ExecID: core.NewUUIDv7()}
	if err := broker.PublishExecutionEvent(core.NewExecutionEvent(core.EventAcknowledged, exec)); err != nil {
		t.Fatalf("PublishExecutionEvent() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != core.EventAcknowledged || ev.ExecID != exec.ExecID {
			t.Fatalf("event = %+v, want %s for %s", ev, core.EventAcknowledged, exec.ExecID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	prefix := "it_" + strings.ReplaceAll(core.NewUUIDv7(), "-", "")
	s, err := Connect(context.Background(), natsURL, WithPrefix(prefix), WithTickLockTTL(time.Minute))
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := errors.Join(
			s.js.DeleteStream(ctx, s.names.StreamName()),
			s.js.DeleteKeyValue(ctx, s.names.BucketTimeouts()),
			s.js.DeleteKeyValue(ctx, s.names.BucketTicks()),
		); err != nil {
			t.Logf("cleanup: %v", err)
		}
		_ = s.Close()
	})

	return s
}
