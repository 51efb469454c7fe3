// Package scheduler runs the per-process loops that coordinate through a
// shared core.Store: one Reaper Loop, one Dispatch Loop and one Cron Driver
// per registered task.
package scheduler

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openjobspec/schedmq/internal/core"
	"github.com/openjobspec/schedmq/internal/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ScheduleOptions describes a recurring task.
type ScheduleOptions struct {
	CronExpr string
	Retry    *core.RetryPolicy
}

// PushOptions describes an ad-hoc execution.
type PushOptions struct {
	Data  string
	Delay time.Duration
	Retry *core.RetryPolicy
}

type registration struct {
	taskID   string
	cronExpr string
	schedule cron.Schedule
	retry    *core.RetryPolicy
}

// Scheduler owns the registrations and bindings of one worker process.
type Scheduler struct {
	store core.Store

	// startMu serializes Start so a restart waits for the previous run alone.
	startMu       sync.Mutex
	mu            sync.Mutex
	registrations []registration
	handlers      map[string]Handler
	bound         []string
	running       bool
	stop          chan struct{}
	loops         *sync.WaitGroup

	pollInterval time.Duration
	tickLockTTL  time.Duration
	logger       *slog.Logger
	clock        Clock
	events       core.EventPublisher
}

// New creates a stopped scheduler on store.
func New(store core.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		handlers:     make(map[string]Handler),
		pollInterval: defaultPollInterval,
		tickLockTTL:  defaultTickLockTTL,
		logger:       slog.Default(),
		clock:        realClock{},
		loops:        &sync.WaitGroup{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register declares a recurring task. It takes effect on the next Start.
// Registering an existing task id replaces its schedule in place.
func (s *Scheduler) Register(taskID string, opts ScheduleOptions) error {
	if err := core.ValidateTaskID(taskID); err != nil {
		return err
	}
	schedule, err := cronParser.Parse(opts.CronExpr)
	if err != nil {
		return core.NewInvalidRequestError("Invalid cron expression: "+err.Error(), map[string]any{
			"task_id": taskID,
			"cron":    opts.CronExpr,
		})
	}

	reg := registration{taskID: taskID, cronExpr: opts.CronExpr, schedule: schedule, retry: opts.Retry}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.IndexFunc(s.registrations, func(r registration) bool { return r.taskID == taskID }); i >= 0 {
		s.registrations[i] = reg
		return nil
	}
	s.registrations = append(s.registrations, reg)
	return nil
}

// Bind sets the handler for taskID. Bindings made while running are picked
// up by the dispatch loop on its next iteration.
func (s *Scheduler) Bind(taskID string, h Handler) error {
	if err := core.ValidateTaskID(taskID); err != nil {
		return err
	}
	if h == nil {
		return core.NewInvalidRequestError("Handler must not be nil.", map[string]any{"task_id": taskID})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[taskID]; !ok {
		s.bound = append(s.bound, taskID)
	}
	s.handlers[taskID] = h
	return nil
}

// Push enqueues an ad-hoc execution, or schedules it at now + Delay through
// the timeout index. It works whether or not the scheduler is running.
func (s *Scheduler) Push(ctx context.Context, taskID string, opts PushOptions) (*core.Execution, error) {
	if err := core.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	if opts.Delay < 0 {
		return nil, core.NewInvalidRequestError("Delay must not be negative.", map[string]any{"task_id": taskID})
	}

	now := s.clock.Now()
	exec := &core.Execution{
		TaskID:    taskID,
		ExecID:    core.NewUUIDv7(),
		Data:      opts.Data,
		Retry:     opts.Retry,
		CreatedAt: core.FormatTime(now),
	}

	if opts.Delay > 0 {
		at := now.Add(opts.Delay)
		exec.ScheduledAt = core.FormatTime(at)
		if err := s.store.Schedule(ctx, exec, at); err != nil {
			metrics.StoreErrors.WithLabelValues("schedule").Inc()
			return nil, err
		}
		metrics.ExecutionsEnqueued.WithLabelValues(taskID, metrics.SourceDelayed).Inc()
		s.publish(core.EventScheduled, exec, nil)
		return exec, nil
	}

	if err := s.store.Enqueue(ctx, exec); err != nil {
		metrics.StoreErrors.WithLabelValues("enqueue").Inc()
		return nil, err
	}
	metrics.ExecutionsEnqueued.WithLabelValues(taskID, metrics.SourcePush).Inc()
	s.publish(core.EventEnqueued, exec, nil)
	return exec, nil
}

// Start launches the reaper loop, the dispatch loop and one cron driver per
// registration. Calling Start on a running scheduler does nothing. After a
// Stop, Start first waits for the previous run's loops to exit, so at most one
// dispatch loop, and thus one handler, is ever active per scheduler.
func (s *Scheduler) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	prev := s.loops
	s.mu.Unlock()

	// The previous loops take s.mu, so wait without holding it.
	prev.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.stop = make(chan struct{})
	s.loops = &sync.WaitGroup{}

	regs := slices.Clone(s.registrations)
	s.loops.Add(2 + len(regs))
	go s.runReaper(s.loops, s.stop)
	go s.runDispatch(s.loops, s.stop)
	for _, reg := range regs {
		go s.runCron(s.loops, s.stop, reg)
	}

	s.logger.Info("scheduler started",
		"registrations", len(regs),
		"poll_interval", s.pollInterval.String(),
	)
}

// Stop clears the running flag and returns immediately. Loops exit at their
// next wake-up; in-flight handlers run to completion. Use Wait to block until
// they have.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.logger.Info("scheduler stopping")
}

// Wait blocks until every loop of the latest run has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	loops := s.loops
	s.mu.Unlock()
	loops.Wait()
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Clear resets registrations and bindings. It fails with
// core.ErrSchedulerRunning, changing nothing, while the scheduler runs.
func (s *Scheduler) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return core.ErrSchedulerRunning
	}
	s.registrations = nil
	s.handlers = make(map[string]Handler)
	s.bound = nil
	return nil
}

// Registrations returns the registered task ids in registration order.
func (s *Scheduler) Registrations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.registrations))
	for i, r := range s.registrations {
		ids[i] = r.taskID
	}
	return ids
}

// Bindings returns the bound task ids in binding order.
func (s *Scheduler) Bindings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bound)
}

func (s *Scheduler) handler(taskID string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[taskID]
}

// sleep waits for d or until stop is closed. It reports whether the caller
// should keep running.
func (s *Scheduler) sleep(stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) publish(eventType string, exec *core.Execution, err error) {
	if s.events == nil {
		return
	}
	ev := core.NewExecutionEvent(eventType, exec)
	if err != nil {
		ev.Error = err.Error()
	}
	if pubErr := s.events.PublishExecutionEvent(ev); pubErr != nil {
		s.logger.Debug("event publish failed", "error", pubErr, "type", eventType)
	}
}
