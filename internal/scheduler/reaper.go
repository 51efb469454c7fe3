package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/metrics"
)

// runReaper moves expired timeout index entries back onto their queues.
// Two processes never claim the same entry: the claim itself is the
// store's atomic ReapIfDue.
func (s *Scheduler) runReaper(wg *sync.WaitGroup, stop <-chan struct{}) {
	defer wg.Done()
	for {
		wait := s.reapOnce(context.Background())
		if !s.sleep(stop, wait) {
			return
		}
	}
}

// reapOnce performs one peek/reap step and returns how long to sleep before
// the next one.
func (s *Scheduler) reapOnce(ctx context.Context) time.Duration {
	head, ok, err := s.store.PeekEarliestDeadline(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("peek").Inc()
		s.logger.Error("reaper: peek failed", "error", err)
		return s.pollInterval
	}
	if !ok {
		return s.pollInterval
	}

	now := s.clock.Now()
	if head.At.After(now) {
		return min(head.At.Sub(now), s.pollInterval)
	}

	res, err := s.store.ReapIfDue(ctx, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reap").Inc()
		s.logger.Error("reaper: reap failed", "error", err, "exec_id", head.ExecID)
		return s.pollInterval
	}

	switch res.Outcome {
	case core.ReapReaped:
		metrics.ExecutionsReaped.WithLabelValues(res.Outcome.String()).Inc()
		s.redeliver(ctx, res.Execution, now)
	case core.ReapDropped:
		metrics.ExecutionsReaped.WithLabelValues(res.Outcome.String()).Inc()
		s.logger.Warn("reaper: dropped timeout entry without a body", "exec_id", head.ExecID)
	}
	// Another reaper may have moved the head; look again right away.
	return 0
}

func (s *Scheduler) redeliver(ctx context.Context, exec *core.Execution, now time.Time) {
	err := s.store.Requeue(ctx, exec)
	if err == nil {
		metrics.ExecutionsEnqueued.WithLabelValues(exec.TaskID, metrics.SourceReaper).Inc()
		s.publish(core.EventReaped, exec, nil)
		s.logger.Debug("reaper: redelivered", "task_id", exec.TaskID, "exec_id", exec.ExecID)
		return
	}
	metrics.StoreErrors.WithLabelValues("requeue").Inc()

	// A retried execution was re-armed by the reap and comes back on its own.
	if exec.Retry.Active() {
		s.logger.Error("reaper: requeue failed, retry re-armed", "error", err,
			"task_id", exec.TaskID, "exec_id", exec.ExecID)
		return
	}
	if schedErr := s.store.Schedule(ctx, exec, now); schedErr != nil {
		metrics.StoreErrors.WithLabelValues("schedule").Inc()
		s.logger.Error("reaper: execution lost, requeue and reschedule failed",
			"error", err, "reschedule_error", schedErr,
			"task_id", exec.TaskID, "exec_id", exec.ExecID)
		return
	}
	s.logger.Warn("reaper: requeue failed, rescheduled", "error", err,
		"task_id", exec.TaskID, "exec_id", exec.ExecID)
}
