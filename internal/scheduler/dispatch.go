package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/metrics"
)

var errHandlerFalse = errors.New("handler returned false")

// runDispatch pops executions for bound tasks and runs one handler at a
// time. The dequeue block is one poll interval so new bindings and Stop are
// noticed within that bound.
func (s *Scheduler) runDispatch(wg *sync.WaitGroup, stop <-chan struct{}) {
	defer wg.Done()
	ctx := context.Background()
	for {
		if !s.sleep(stop, 0) {
			return
		}

		taskIDs := s.Bindings()
		if len(taskIDs) == 0 {
			if !s.sleep(stop, s.pollInterval) {
				return
			}
			continue
		}

		exec, err := s.store.Dequeue(ctx, taskIDs, s.pollInterval)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("dequeue").Inc()
			s.logger.Error("dispatch: dequeue failed", "error", err)
			if !s.sleep(stop, s.pollInterval) {
				return
			}
			continue
		}
		if exec == nil {
			continue
		}
		s.dispatch(ctx, exec)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, exec *core.Execution) {
	log := s.logger.With("task_id", exec.TaskID, "exec_id", exec.ExecID)

	h := s.handler(exec.TaskID)
	if h == nil {
		// Only reachable after Clear; the retry policy decides whether it returns.
		log.Warn("dispatch: no handler bound", "retry", exec.Retry.Active())
		return
	}

	metrics.ExecutionsDelivered.WithLabelValues(exec.TaskID).Inc()
	s.publish(core.EventDelivered, exec, nil)

	start := time.Now()
	ok, err := invoke(ctx, h, exec)
	metrics.HandlerDuration.WithLabelValues(exec.TaskID).Observe(time.Since(start).Seconds())

	if !ok || err != nil {
		if err == nil {
			err = errHandlerFalse
		}
		metrics.HandlerFailures.WithLabelValues(exec.TaskID).Inc()
		s.publish(core.EventFailed, exec, err)
		if exec.Retry.Active() {
			log.Warn("dispatch: handler failed, awaiting redelivery", "error", err,
				"retry_in", exec.Retry.Timeout().String())
		} else {
			log.Warn("dispatch: handler failed, execution dropped", "error", err)
		}
		return
	}

	if err := s.store.Acknowledge(ctx, exec.ExecID); err != nil {
		metrics.StoreErrors.WithLabelValues("acknowledge").Inc()
		log.Error("dispatch: acknowledge failed", "error", err)
		return
	}
	metrics.ExecutionsAcknowledged.WithLabelValues(exec.TaskID).Inc()
	s.publish(core.EventAcknowledged, exec, nil)
}
