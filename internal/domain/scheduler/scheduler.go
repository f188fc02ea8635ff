// Package scheduler runs named periodic and one-shot jobs on the local
// instance. Jobs can be gated on cluster leadership, turning any periodic
// job into a cluster-wide singleton without the job knowing about leases.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/infrastructure/metrics"
)

var (
	// ErrTaskNotFound is returned for operations on an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSchedulerClosed is returned when scheduling on a closed scheduler.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// Job is a scheduled unit of work. A returned error is logged and does not
// affect future firings.
type Job func(ctx context.Context) error

// TaskConfig controls how a task fires.
type TaskConfig struct {
	// Interval between firings. Zero or negative registers the task as
	// manual-only: it never fires on its own, only through RunTask.
	Interval time.Duration

	// RunOnActivation fires the job once immediately when scheduled, in
	// addition to the periodic cadence.
	RunOnActivation bool

	// AllowOverlap switches from reschedule-after-completion (default,
	// never two concurrent runs of one task) to a fixed-rate ticker that
	// fires regardless of whether the previous run finished.
	AllowOverlap bool

	// RunOnlyOnLeader skips the invocation, reporting it as a no-op,
	// whenever this instance does not hold the cluster lease.
	RunOnlyOnLeader bool
}

// Result describes one invocation outcome.
type Result struct {
	TaskID  string
	Skipped bool
	Err     error
}

// LeadershipSource answers the leader-gate check. *leader.Elector satisfies
// it; a nil source makes every leader-gated task skip.
type LeadershipSource interface {
	IsLeader() bool
}

// Scheduler owns a table of named tasks. At most one timer is armed per
// task id at any time; re-scheduling an existing id stops the prior task
// first.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	elector LeadershipSource
	log     zerolog.Logger
	closed  bool
}

type task struct {
	id     string
	job    Job
	cfg    TaskConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// runMu serializes invocations of a non-overlapping task, covering
	// both timer firings and manual RunTask calls.
	runMu sync.Mutex
}

// New creates a scheduler. The elector may be nil when no leader-gated
// tasks will be scheduled (room-level schedulers, tests).
func New(name string, elector LeadershipSource, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		tasks:   make(map[string]*task),
		elector: elector,
		log:     log.With().Str("component", "scheduler").Str("scheduler", name).Logger(),
	}
}

// Schedule registers and arms a task. Re-registering an existing id is
// idempotent: the prior task is stopped before the new one is armed.
func (s *Scheduler) Schedule(ctx context.Context, taskID string, job Job, cfg TaskConfig) error {
	if taskID == "" {
		return fmt.Errorf("scheduler: task id is required")
	}
	if job == nil {
		return fmt.Errorf("scheduler: job is required for task %q", taskID)
	}

	// Stopping a prior task blocks on its in-flight run, so the lock is
	// released around stop(). A concurrent Schedule for the same id can
	// register in that window; re-check until the slot is actually free so
	// at most one timer stays armed per task id.
	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return ErrSchedulerClosed
		}
		prior, ok := s.tasks[taskID]
		if !ok {
			break
		}
		delete(s.tasks, taskID)
		s.mu.Unlock()
		prior.stop()
		s.mu.Lock()
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{id: taskID, job: job, cfg: cfg, cancel: cancel}
	s.tasks[taskID] = t
	s.mu.Unlock()

	if cfg.RunOnActivation {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			s.invoke(taskCtx, t)
		}()
	}

	if cfg.Interval > 0 {
		t.wg.Add(1)
		if cfg.AllowOverlap {
			go s.runFixedRate(taskCtx, t)
		} else {
			go s.runSequential(taskCtx, t)
		}
	}

	s.log.Debug().
		Str("task_id", taskID).
		Dur("interval", cfg.Interval).
		Bool("leader_only", cfg.RunOnlyOnLeader).
		Bool("allow_overlap", cfg.AllowOverlap).
		Msg("task scheduled")
	return nil
}

// StopTask cancels and removes a task. Returns ErrTaskNotFound for unknown
// ids.
func (s *Scheduler) StopTask(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if ok {
		delete(s.tasks, taskID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrTaskNotFound
	}
	t.stop()
	s.log.Debug().Str("task_id", taskID).Msg("task stopped")
	return nil
}

// HasTask reports whether a task id is registered.
func (s *Scheduler) HasTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskID]
	return ok
}

// RunTask invokes a task out-of-band. Non-overlapping tasks still honor
// their no-concurrent-runs invariant against the periodic schedule.
func (s *Scheduler) RunTask(ctx context.Context, taskID string) (Result, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()

	if !ok {
		return Result{}, ErrTaskNotFound
	}
	return s.invoke(ctx, t), nil
}

// Close stops every task. The scheduler accepts no further scheduling.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.stop()
	}
	s.log.Debug().Int("stopped", len(tasks)).Msg("scheduler closed")
}

// runSequential reschedules only after the previous invocation settles, so
// two runs of one task never overlap; slow jobs introduce firing jitter.
func (s *Scheduler) runSequential(ctx context.Context, t *task) {
	defer t.wg.Done()

	timer := time.NewTimer(t.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.invoke(ctx, t)
			timer.Reset(t.cfg.Interval)
		}
	}
}

// runFixedRate fires on wall-clock cadence regardless of in-flight runs.
func (s *Scheduler) runFixedRate(ctx context.Context, t *task) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				s.invoke(ctx, t)
			}()
		}
	}
}

// invoke runs one guarded invocation: leader gate first, then the job with
// panic containment. Job failures are logged with the task id and never
// stop the schedule.
func (s *Scheduler) invoke(ctx context.Context, t *task) Result {
	if t.cfg.RunOnlyOnLeader && (s.elector == nil || !s.elector.IsLeader()) {
		metrics.RecordTaskSkipped(t.id)
		return Result{TaskID: t.id, Skipped: true}
	}

	if !t.cfg.AllowOverlap {
		t.runMu.Lock()
		defer t.runMu.Unlock()
	}

	err := s.safeRun(ctx, t)
	if err != nil {
		metrics.RecordTaskError(t.id)
		s.log.Error().Err(err).Str("task_id", t.id).Msg("scheduled task failed")
	} else {
		metrics.RecordTaskRun(t.id)
	}
	return Result{TaskID: t.id, Err: err}
}

func (s *Scheduler) safeRun(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.id, r)
		}
	}()
	return t.job(ctx)
}

func (t *task) stop() {
	t.cancel()
	t.wg.Wait()
}
