package scheduler

import (
	"log/slog"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
)

const (
	defaultPollInterval = time.Second
	defaultTickLockTTL  = 60 * time.Second
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval bounds how long any loop blocks before it re-checks the
// running flag.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTickLockTTL sets how long a won tick lock blocks other processes from
// enqueuing the same tick.
func WithTickLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickLockTTL = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock injects a custom clock for testing.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithEvents publishes execution lifecycle events.
func WithEvents(p core.EventPublisher) Option {
	return func(s *Scheduler) { s.events = p }
}
