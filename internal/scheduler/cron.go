package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/metrics"
)

// runCron drives one registration. Each fire time is claimed through the
// store's tick lock so exactly one process in the fleet enqueues it.
func (s *Scheduler) runCron(wg *sync.WaitGroup, stop <-chan struct{}, reg registration) {
	defer wg.Done()

	log := s.logger.With("task_id", reg.taskID, "cron", reg.cronExpr)
	next := reg.schedule.Next(s.clock.Now())
	for {
		if next.IsZero() {
			log.Warn("cron: expression has no further fire times, driver stopped")
			return
		}
		if !s.sleep(stop, next.Sub(s.clock.Now())) {
			return
		}

		s.fireTick(context.Background(), reg, next)

		following := reg.schedule.Next(next)
		if now := s.clock.Now(); !following.IsZero() && following.Before(now) {
			resumed := reg.schedule.Next(now)
			log.Warn("cron: skipping missed ticks",
				"missed_from", core.FormatTime(following),
				"resume_at", core.FormatTime(resumed),
			)
			following = resumed
		}
		next = following
	}
}

func (s *Scheduler) fireTick(ctx context.Context, reg registration, fire time.Time) {
	lockKey := core.TickExecID(reg.taskID, fire)

	won, err := s.store.TryAcquireTick(ctx, lockKey, s.tickLockTTL)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("tick_lock").Inc()
		s.logger.Error("cron: tick lock failed", "error", err, "task_id", reg.taskID, "exec_id", lockKey)
		return
	}
	if !won {
		metrics.CronTicks.WithLabelValues(reg.taskID, "skipped").Inc()
		return
	}
	metrics.CronTicks.WithLabelValues(reg.taskID, "acquired").Inc()

	exec := &core.Execution{
		TaskID:      reg.taskID,
		ExecID:      lockKey,
		Retry:       reg.retry,
		ScheduledAt: core.FormatTime(fire),
		CreatedAt:   core.FormatTime(s.clock.Now()),
	}
	if err := s.store.Enqueue(ctx, exec); err != nil {
		metrics.StoreErrors.WithLabelValues("enqueue").Inc()
		s.logger.Error("cron: enqueue failed", "error", err, "task_id", reg.taskID, "exec_id", lockKey)
		return
	}
	metrics.ExecutionsEnqueued.WithLabelValues(reg.taskID, metrics.SourceCron).Inc()
	s.publish(core.EventEnqueued, exec, nil)
}
