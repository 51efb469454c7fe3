package core

import (
	"context"
	"time"
)

// Deadline is the head of the Timeout Index.
type Deadline struct {
	ExecID string
	At     time.Time
}

// ReapOutcome describes what a single ReapIfDue call did.
type ReapOutcome int

const (
	// ReapEmpty means the Timeout Index had no entries.
	ReapEmpty ReapOutcome = iota
	// ReapNotYet means the earliest entry is still in the future.
	ReapNotYet
	// ReapReaped means an expired entry was claimed and its body returned.
	ReapReaped
	// ReapDropped means an expired entry had no stored body and was removed.
	ReapDropped
)

func (o ReapOutcome) String() string {
	switch o {
	case ReapEmpty:
		return "empty"
	case ReapNotYet:
		return "not_yet"
	case ReapReaped:
		return "reaped"
	case ReapDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// ReapResult is returned by Store.ReapIfDue.
type ReapResult struct {
	Outcome ReapOutcome
	// Next is the earliest deadline when Outcome is ReapNotYet.
	Next time.Time
	// Execution is the claimed body when Outcome is ReapReaped.
	Execution *Execution
}

// Store is the shared-store contract every worker process coordinates through.
// Each state-changing method is a single atomic step as observed by other
// processes. Failures of the backing store are returned as retryable infra
// errors.
type Store interface {
	// Enqueue appends exec to its task queue. Executions with an active retry
	// policy also get a Timeout Index entry due at now + timeout.
	Enqueue(ctx context.Context, exec *Execution) error

	// Requeue appends exec to its task queue without touching the Timeout Index.
	Requeue(ctx context.Context, exec *Execution) error

	// Schedule stores exec in the Timeout Index due at at, with no queue entry.
	Schedule(ctx context.Context, exec *Execution, at time.Time) error

	// Dequeue pops the head of any of the named queues, blocking for up to
	// block. It returns nil, nil when nothing arrived in time.
	Dequeue(ctx context.Context, taskIDs []string, block time.Duration) (*Execution, error)

	// Acknowledge removes the Timeout Index entry and body of execID. Absent
	// entries are not an error.
	Acknowledge(ctx context.Context, execID string) error

	// PeekEarliestDeadline returns the soonest Timeout Index entry.
	PeekEarliestDeadline(ctx context.Context) (Deadline, bool, error)

	// ReapIfDue claims the earliest entry if it is due at now. Claimed
	// executions with a retry policy are re-armed at now + timeout; others are
	// removed from the index.
	ReapIfDue(ctx context.Context, now time.Time) (ReapResult, error)

	// TryAcquireTick sets lockKey with the given expiry unless it exists.
	// Exactly one concurrent caller observes true.
	TryAcquireTick(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)

	Close() error
}
