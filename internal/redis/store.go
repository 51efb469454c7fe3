// Package redis implements core.Store on Redis. Task queues are lists, the
// Timeout Index is a sorted set scored by deadline, and the reap step runs as
// a single Lua script so concurrent reapers in different processes never claim
// the same entry twice.
//
// Usage:
//
//	s, err := redisstore.Connect(ctx, "redis://localhost:6379/0")
//	if err != nil { ... }
//	defer s.Close()
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openjobspec/schedmq/internal/core"
)

var _ core.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.keys = keys{prefix: prefix} }
}

// WithBlockingPoolSize sets the number of connections reserved for blocking
// pops. Only used by Connect.
func WithBlockingPoolSize(n int) Option {
	return func(s *Store) { s.blockingPoolSize = n }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is the Redis-backed core.Store.
type Store struct {
	client *goredis.Client
	// blocking is a separate client whose pool only serves BRPOP, so blocked
	// pops never hold connections needed by ordinary commands.
	blocking *goredis.Client

	keys             keys
	blockingPoolSize int
	logger           *slog.Logger
	owned            bool
	rr               atomic.Uint64
}

func newStore(opts []Option) *Store {
	s := &Store{
		keys:             keys{prefix: DefaultPrefix},
		blockingPoolSize: 10,
		logger:           slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// New wraps existing clients. client serves ordinary commands, blocking
// serves blocking pops; they must not be the same client. The caller owns
// both clients' lifecycles.
func New(client, blocking *goredis.Client, opts ...Option) *Store {
	s := newStore(opts)
	s.client = client
	s.blocking = blocking
	return s
}

// Connect parses a redis:// URL, opens the command and blocking clients and
// verifies connectivity.
func Connect(ctx context.Context, url string, opts ...Option) (*Store, error) {
	s := newStore(opts)

	cmdOpts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	blockOpts := *cmdOpts
	blockOpts.PoolSize = s.blockingPoolSize
	blockOpts.MinIdleConns = 0

	s.client = goredis.NewClient(cmdOpts)
	s.blocking = goredis.NewClient(&blockOpts)
	s.owned = true

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return s, nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the clients when they were opened by Connect.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return errors.Join(s.client.Close(), s.blocking.Close())
}

// Enqueue pushes exec onto its queue and, for retried executions, writes the
// timeout entry and body in the same transaction.
func (s *Store) Enqueue(ctx context.Context, exec *core.Execution) error {
	body, err := exec.Encode()
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.keys.queue(exec.TaskID), body)
	if deadline, ok := exec.Deadline(time.Now()); ok {
		pipe.ZAdd(ctx, s.keys.timeoutIndex(), goredis.Z{Score: float64(deadline.UnixMilli()), Member: exec.ExecID})
		pipe.Set(ctx, s.keys.body(exec.ExecID), body, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewInfraError("enqueue", err)
	}
	return nil
}

// Requeue pushes exec onto its queue.
func (s *Store) Requeue(ctx context.Context, exec *core.Execution) error {
	body, err := exec.Encode()
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.keys.queue(exec.TaskID), body).Err(); err != nil {
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

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keys.body(exec.ExecID), body, 0)
	pipe.ZAdd(ctx, s.keys.timeoutIndex(), goredis.Z{Score: float64(at.UnixMilli()), Member: exec.ExecID})
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewInfraError("schedule", err)
	}
	return nil
}

// Dequeue runs BRPOP over all named queues on a connection checked out of the
// blocking pool. Redis serves the first non-empty key in argument order, so
// the key order is rotated per call to keep busy queues from starving others.
func (s *Store) Dequeue(ctx context.Context, taskIDs []string, block time.Duration) (*core.Execution, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	queueKeys := make([]string, len(taskIDs))
	start := int(s.rr.Add(1) % uint64(len(taskIDs)))
	for i := range taskIDs {
		queueKeys[i] = s.keys.queue(taskIDs[(start+i)%len(taskIDs)])
	}

	conn := s.blocking.Conn()
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Warn("releasing blocking connection", "error", err)
		}
	}()

	res, err := conn.BRPop(ctx, blockSeconds(block), queueKeys...).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, core.NewInfraError("dequeue", err)
	}
	if len(res) != 2 {
		return nil, core.NewInfraError("dequeue", fmt.Errorf("unexpected BRPOP reply of length %d", len(res)))
	}
	return core.DecodeExecution([]byte(res[1]))
}

// blockSeconds rounds a block timeout up to whole seconds; BRPOP accepts
// nothing finer through go-redis and zero would block forever.
func blockSeconds(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

// Acknowledge removes the timeout entry and stored body of execID.
func (s *Store) Acknowledge(ctx context.Context, execID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.keys.timeoutIndex(), execID)
	pipe.Del(ctx, s.keys.body(execID))
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewInfraError("acknowledge", err)
	}
	return nil
}

// PeekEarliestDeadline returns the head of the timeout index.
func (s *Store) PeekEarliestDeadline(ctx context.Context) (core.Deadline, bool, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.keys.timeoutIndex(), 0, 0).Result()
	if err != nil {
		return core.Deadline{}, false, core.NewInfraError("peek", err)
	}
	if len(zs) == 0 {
		return core.Deadline{}, false, nil
	}
	id, _ := zs[0].Member.(string)
	return core.Deadline{ExecID: id, At: time.UnixMilli(int64(zs[0].Score))}, true, nil
}

// ReapIfDue runs the reap script.
func (s *Store) ReapIfDue(ctx context.Context, now time.Time) (core.ReapResult, error) {
	reply, err := reapScript.Run(ctx, s.client,
		[]string{s.keys.timeoutIndex()},
		now.UnixMilli(), s.keys.prefix,
	).Slice()
	if err != nil {
		return core.ReapResult{}, core.NewInfraError("reap", err)
	}
	if len(reply) == 0 {
		return core.ReapResult{}, core.NewInfraError("reap", errors.New("empty script reply"))
	}

	code, _ := reply[0].(int64)
	switch code {
	case reapEmpty:
		return core.ReapResult{Outcome: core.ReapEmpty}, nil
	case reapNotYet:
		ms, err := strconv.ParseFloat(fmt.Sprint(reply[1]), 64)
		if err != nil {
			return core.ReapResult{}, core.NewInfraError("reap", fmt.Errorf("parse deadline: %w", err))
		}
		return core.ReapResult{Outcome: core.ReapNotYet, Next: time.UnixMilli(int64(ms))}, nil
	case reapDropped:
		return core.ReapResult{Outcome: core.ReapDropped}, nil
	case reapReaped:
		body, _ := reply[1].(string)
		exec, err := core.DecodeExecution([]byte(body))
		if err != nil {
			s.logger.Error("dropping undecodable reaped body", "error", err)
			return core.ReapResult{Outcome: core.ReapDropped}, nil
		}
		return core.ReapResult{Outcome: core.ReapReaped, Execution: exec}, nil
	default:
		return core.ReapResult{}, core.NewInfraError("reap", fmt.Errorf("unexpected script reply code %v", reply[0]))
	}
}

// TryAcquireTick sets the tick lock with SET NX and an expiry.
func (s *Store) TryAcquireTick(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keys.lock(lockKey), "1", ttl).Result()
	if err != nil {
		return false, core.NewInfraError("tick lock", err)
	}
	return ok, nil
}
