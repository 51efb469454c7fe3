// Package nats implements core.Store on NATS JetStream. Task queues share one
// work-queue stream with a durable pull consumer per task; the Timeout Index
// and tick locks live in KV buckets and are claimed by compare-and-set on the
// entry revision.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/kv"
)

var _ core.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the stream, subject and bucket prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.names = names{prefix: prefix} }
}

// WithTickLockTTL sets the tick lock bucket TTL. NATS KV expires keys per
// bucket, so the ttl argument of TryAcquireTick is not used.
func WithTickLockTTL(ttl time.Duration) Option {
	return func(s *Store) { s.tickLockTTL = ttl }
}

// WithPollSlice sets how long an idle multi-queue Dequeue sleeps between
// fan-out rounds.
func WithPollSlice(d time.Duration) Option {
	return func(s *Store) { s.pollSlice = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the JetStream-backed core.Store.
type Store struct {
	nc *nats.Conn
	js jetstream.JetStream

	names       names
	timeouts    *kv.TimeoutIndex
	ticks       *kv.TickLocks
	consumers   *ConsumerManager
	tickLockTTL time.Duration
	pollSlice   time.Duration
	logger      *slog.Logger
	rr          atomic.Uint64
}

// Connect connects to NATS, sets up the stream and buckets, and returns a
// ready Store.
func Connect(ctx context.Context, natsURL string, opts ...Option) (*Store, error) {
	s := &Store{
		names:       names{prefix: DefaultPrefix},
		tickLockTTL: 60 * time.Second,
		pollSlice:   50 * time.Millisecond,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("schedmq"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := SetupJetStream(setupCtx, js, s.names, s.tickLockTTL); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (*kv.Store, error) {
		bucket, err := js.KeyValue(setupCtx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return kv.NewStore(bucket), nil
	}

	timeoutsKV, err := openKV(s.names.BucketTimeouts())
	if err != nil {
		nc.Close()
		return nil, err
	}
	ticksKV, err := openKV(s.names.BucketTicks())
	if err != nil {
		nc.Close()
		return nil, err
	}

	s.nc = nc
	s.js = js
	s.timeouts = kv.NewTimeoutIndex(timeoutsKV)
	s.ticks = kv.NewTickLocks(ticksKV)
	s.consumers = NewConsumerManager(js, s.names)
	return s, nil
}

// Conn returns the underlying NATS connection.
func (s *Store) Conn() *nats.Conn {
	return s.nc
}

// Ping reports whether the NATS connection is up.
func (s *Store) Ping(_ context.Context) error {
	if status := s.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection status: %s", status)
	}
	return nil
}

// Close closes the NATS connection.
func (s *Store) Close() error {
	s.nc.Close()
	return nil
}

// Enqueue writes the timeout entry of a retried execution before publishing
// it, so a failure between the two steps costs an extra delivery rather than
// a lost retry.
func (s *Store) Enqueue(ctx context.Context, exec *core.Execution) error {
	body, err := exec.Encode()
	if err != nil {
		return err
	}

	if deadline, ok := exec.Deadline(time.Now()); ok {
		if err := s.timeouts.Put(ctx, exec.ExecID, deadline, body); err != nil {
			return core.NewInfraError("enqueue", err)
		}
	}
	if err := PublishExecution(ctx, s.js, s.names.QueueSubject(exec.TaskID), body); err != nil {
		return core.NewInfraError("enqueue", err)
	}
	return nil
}

// Requeue publishes exec to its task queue.
func (s *Store) Requeue(ctx context.Context, exec *core.Execution) error {
	body, err := exec.Encode()
	if err != nil {
		return err
	}
	if err := PublishExecution(ctx, s.js, s.names.QueueSubject(exec.TaskID), body); err != nil {
		return core.NewInfraError("requeue", err)
	}
	return nil
}

// Schedule stores a delayed execution in the timeout index.
func (s *Store) Schedule(ctx context.Context, exec *core.Execution, at time.Time) error {
	body, err := exec.Encode()
	if err != nil {
		return err
	}
	if err := s.timeouts.Put(ctx, exec.ExecID, at, body); err != nil {
		return core.NewInfraError("schedule", err)
	}
	return nil
}

// Dequeue pops one execution from any of the named queues. A single queue
// waits on the server; several queues are polled in rotating order with a
// short sleep between idle rounds.
func (s *Store) Dequeue(ctx context.Context, taskIDs []string, block time.Duration) (*core.Execution, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	if len(taskIDs) == 1 {
		data, err := s.consumers.Pop(ctx, taskIDs[0], block)
		if err != nil {
			return nil, core.NewInfraError("dequeue", err)
		}
		return s.decode(data)
	}

	deadline := time.Now().Add(block)
	for {
		start := int(s.rr.Add(1) % uint64(len(taskIDs)))
		for i := range taskIDs {
			data, err := s.consumers.Pop(ctx, taskIDs[(start+i)%len(taskIDs)], 0)
			if err != nil {
				return nil, core.NewInfraError("dequeue", err)
			}
			if data != nil {
				return s.decode(data)
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(remaining, s.pollSlice)):
		}
	}
}

func (s *Store) decode(data []byte) (*core.Execution, error) {
	if data == nil {
		return nil, nil
	}
	exec, err := core.DecodeExecution(data)
	if err != nil {
		s.logger.Error("dropping undecodable queue message", "error", err)
		return nil, nil
	}
	return exec, nil
}

// Acknowledge removes the timeout entry of execID.
func (s *Store) Acknowledge(ctx context.Context, execID string) error {
	if err := s.timeouts.Remove(ctx, execID); err != nil {
		return core.NewInfraError("acknowledge", err)
	}
	return nil
}

// PeekEarliestDeadline returns the head of the timeout index.
func (s *Store) PeekEarliestDeadline(ctx context.Context) (core.Deadline, bool, error) {
	d, ok, err := s.timeouts.Earliest(ctx)
	if err != nil {
		return core.Deadline{}, false, core.NewInfraError("peek", err)
	}
	return d, ok, nil
}

// ReapIfDue claims the earliest due entry with a revision-checked write.
func (s *Store) ReapIfDue(ctx context.Context, now time.Time) (core.ReapResult, error) {
	res, err := s.timeouts.Reap(ctx, now)
	if err != nil {
		return core.ReapResult{}, core.NewInfraError("reap", err)
	}
	return res, nil
}

// TryAcquireTick creates the tick lock key. The lock expires with the bucket
// TTL configured at Connect.
func (s *Store) TryAcquireTick(ctx context.Context, lockKey string, _ time.Duration) (bool, error) {
	ok, err := s.ticks.TryAcquire(ctx, lockKey)
	if err != nil {
		return false, core.NewInfraError("tick lock", err)
	}
	return ok, nil
}
