// Package memory implements core.Store inside a single process. It is meant
// for development, single-worker deployments and tests; scheduler instances
// sharing one Store behave like worker processes sharing one backing store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
)

var _ core.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu sync.Mutex

	queues   map[string][][]byte
	timeouts map[string]time.Time // execID -> deadline
	bodies   map[string][]byte    // execID -> encoded execution
	locks    map[string]time.Time // lock key -> expiry

	// wake is closed and replaced whenever a queue receives an item.
	wake   chan struct{}
	rr     int
	closed bool

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for deadlines and lock expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		queues:   make(map[string][][]byte),
		timeouts: make(map[string]time.Time),
		bodies:   make(map[string][]byte),
		locks:    make(map[string]time.Time),
		wake:     make(chan struct{}),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue appends exec to its queue and arms its Timeout Index entry when
// the execution carries a retry policy.
func (s *Store) Enqueue(_ context.Context, exec *core.Execution) error {
	body, err := exec.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NewInfraError("enqueue", errClosed)
	}
	if deadline, ok := exec.Deadline(s.now()); ok {
		s.timeouts[exec.ExecID] = deadline
		s.bodies[exec.ExecID] = body
	}
	s.pushLocked(exec.TaskID, body)
	return nil
}

// Requeue appends exec to its queue only.
func (s *Store) Requeue(_ context.Context, exec *core.Execution) error {
	body, err := exec.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NewInfraError("requeue", errClosed)
	}
	s.pushLocked(exec.TaskID, body)
	return nil
}

// Schedule records a delayed execution in the Timeout Index.
func (s *Store) Schedule(_ context.Context, exec *core.Execution, at time.Time) error {
	body, err := exec.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NewInfraError("schedule", errClosed)
	}
	s.timeouts[exec.ExecID] = at
	s.bodies[exec.ExecID] = body
	return nil
}

func (s *Store) pushLocked(taskID string, body []byte) {
	s.queues[taskID] = append(s.queues[taskID], body)
	close(s.wake)
	s.wake = make(chan struct{})
}

// Dequeue pops the oldest item of the first non-empty queue, rotating the
// starting queue between calls so no queue is starved.
func (s *Store) Dequeue(ctx context.Context, taskIDs []string, block time.Duration) (*core.Execution, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	timer := time.NewTimer(block)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, core.NewInfraError("dequeue", errClosed)
		}
		body := s.popLocked(taskIDs)
		wake := s.wake
		s.mu.Unlock()

		if body != nil {
			return core.DecodeExecution(body)
		}

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (s *Store) popLocked(taskIDs []string) []byte {
	n := len(taskIDs)
	start := s.rr % n
	s.rr++
	for i := 0; i < n; i++ {
		id := taskIDs[(start+i)%n]
		q := s.queues[id]
		if len(q) == 0 {
			continue
		}
		body := q[0]
		q[0] = nil
		s.queues[id] = q[1:]
		return body
	}
	return nil
}

// Acknowledge removes the Timeout Index entry and body for execID.
func (s *Store) Acknowledge(_ context.Context, execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.NewInfraError("acknowledge", errClosed)
	}
	delete(s.timeouts, execID)
	delete(s.bodies, execID)
	return nil
}

// PeekEarliestDeadline returns the soonest Timeout Index entry.
func (s *Store) PeekEarliestDeadline(_ context.Context) (core.Deadline, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.Deadline{}, false, core.NewInfraError("peek", errClosed)
	}
	d, ok := s.earliestLocked()
	return d, ok, nil
}

func (s *Store) earliestLocked() (core.Deadline, bool) {
	var (
		head  core.Deadline
		found bool
	)
	for id, at := range s.timeouts {
		if !found || at.Before(head.At) || (at.Equal(head.At) && id < head.ExecID) {
			head = core.Deadline{ExecID: id, At: at}
			found = true
		}
	}
	return head, found
}

// ReapIfDue claims the earliest entry when it is due.
func (s *Store) ReapIfDue(_ context.Context, now time.Time) (core.ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ReapResult{}, core.NewInfraError("reap", errClosed)
	}

	head, ok := s.earliestLocked()
	if !ok {
		return core.ReapResult{Outcome: core.ReapEmpty}, nil
	}
	if head.At.After(now) {
		return core.ReapResult{Outcome: core.ReapNotYet, Next: head.At}, nil
	}

	delete(s.timeouts, head.ExecID)
	body, ok := s.bodies[head.ExecID]
	if !ok {
		return core.ReapResult{Outcome: core.ReapDropped}, nil
	}
	exec, err := core.DecodeExecution(body)
	if err != nil {
		delete(s.bodies, head.ExecID)
		return core.ReapResult{Outcome: core.ReapDropped}, nil
	}
	if deadline, ok := exec.Deadline(now); ok {
		s.timeouts[head.ExecID] = deadline
	} else {
		delete(s.bodies, head.ExecID)
	}
	return core.ReapResult{Outcome: core.ReapReaped, Execution: exec}, nil
}

// TryAcquireTick sets lockKey unless an unexpired lock exists.
func (s *Store) TryAcquireTick(_ context.Context, lockKey string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, core.NewInfraError("tick lock", errClosed)
	}

	now := s.now()
	if expiry, held := s.locks[lockKey]; held && expiry.After(now) {
		return false, nil
	}
	s.locks[lockKey] = now.Add(ttl)
	s.sweepLocksLocked(now)
	return true, nil
}

func (s *Store) sweepLocksLocked(now time.Time) {
	for k, expiry := range s.locks {
		if !expiry.After(now) {
			delete(s.locks, k)
		}
	}
}

// Len returns the number of items waiting in a task queue.
func (s *Store) Len(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[taskID])
}

// Pending returns the number of Timeout Index entries.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timeouts)
}

// Ping fails once the store is closed.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close releases blocked dequeuers and rejects further calls.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.wake)
		s.wake = make(chan struct{})
	}
	return nil
}

type storeError string

func (e storeError) Error() string { return string(e) }

const errClosed = storeError("memory store closed")
