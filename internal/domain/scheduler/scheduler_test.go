package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubLeader struct{ leader atomic.Bool }

func (s *stubLeader) IsLeader() bool { return s.leader.Load() }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestScheduleValidation(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	if err := s.Schedule(context.Background(), "", func(ctx context.Context) error { return nil }, TaskConfig{}); err == nil {
		t.Fatal("expected error for empty task id")
	}
	if err := s.Schedule(context.Background(), "t", nil, TaskConfig{}); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestManualOnlyTask(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	var runs atomic.Int32
	job := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}

	if err := s.Schedule(context.Background(), "manual", job, TaskConfig{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("manual task fired on its own, runs=%d", runs.Load())
	}

	res, err := s.RunTask(context.Background(), "manual")
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if res.Skipped || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runs.Load())
	}
}

func TestRunTaskUnknownID(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	if _, err := s.RunTask(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if err := s.StopTask("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestLeaderGate(t *testing.T) {
	elector := &stubLeader{}
	s := New("test", elector, zerolog.Nop())
	defer s.Close()

	var runs atomic.Int32
	job := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}
	if err := s.Schedule(context.Background(), "gated", job, TaskConfig{RunOnlyOnLeader: true}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	res, err := s.RunTask(context.Background(), "gated")
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected skip while not leader")
	}
	if runs.Load() != 0 {
		t.Fatal("job must not run while not leader")
	}

	elector.leader.Store(true)
	res, err = s.RunTask(context.Background(), "gated")
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if res.Skipped || runs.Load() != 1 {
		t.Fatalf("expected run as leader, skipped=%v runs=%d", res.Skipped, runs.Load())
	}
}

func TestLeaderGateWithNilElector(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	if err := s.Schedule(context.Background(), "gated", func(ctx context.Context) error { return nil }, TaskConfig{RunOnlyOnLeader: true}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	res, err := s.RunTask(context.Background(), "gated")
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if !res.Skipped {
		t.Fatal("leader-gated task must skip with no leadership source")
	}
}

func TestRunOnActivation(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	var runs atomic.Int32
	job := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}
	if err := s.Schedule(context.Background(), "eager", job, TaskConfig{RunOnActivation: true}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, time.Second, func() bool { return runs.Load() == 1 })
}

func TestSequentialRunsNeverOverlap(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	var runs atomic.Int32
	job := func(ctx context.Context) error {
		cur := inFlight.Add(1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		runs.Add(1)
		return nil
	}

	if err := s.Schedule(context.Background(), "slow", job, TaskConfig{Interval: 10 * time.Millisecond}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
	if maxSeen.Load() != 1 {
		t.Fatalf("expected no overlapping runs, saw %d concurrent", maxSeen.Load())
	}
}

func TestOverlappingRunsAllowed(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	job := func(ctx context.Context) error {
		cur := inFlight.Add(1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	cfg := TaskConfig{Interval: 10 * time.Millisecond, AllowOverlap: true}
	if err := s.Schedule(context.Background(), "ticker", job, cfg); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return maxSeen.Load() >= 2 })
}

func TestRescheduleReplacesTask(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	var first, second atomic.Int32
	if err := s.Schedule(context.Background(), "job", func(ctx context.Context) error {
		first.Add(1)
		return nil
	}, TaskConfig{Interval: 10 * time.Millisecond}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, time.Second, func() bool { return first.Load() >= 1 })

	if err := s.Schedule(context.Background(), "job", func(ctx context.Context) error {
		second.Add(1)
		return nil
	}, TaskConfig{Interval: 10 * time.Millisecond}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	countAfterSwap := first.Load()
	waitFor(t, time.Second, func() bool { return second.Load() >= 2 })
	if first.Load() != countAfterSwap {
		t.Fatalf("replaced job kept firing: %d -> %d", countAfterSwap, first.Load())
	}
}

func TestConcurrentRescheduleLeavesOneTimer(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	var startedFlag atomic.Bool
	blocking := func(ctx context.Context) error {
		if startedFlag.CompareAndSwap(false, true) {
			close(started)
		}
		<-block
		return nil
	}
	if err := s.Schedule(context.Background(), "job", blocking, TaskConfig{Interval: 5 * time.Millisecond}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	<-started

	// Reschedule while a run is in flight; this blocks stopping the prior
	// task until the job unblocks.
	var replacement atomic.Int32
	rescheduled := make(chan struct{})
	go func() {
		defer close(rescheduled)
		_ = s.Schedule(context.Background(), "job", func(ctx context.Context) error {
			replacement.Add(1)
			return nil
		}, TaskConfig{Interval: 5 * time.Millisecond})
	}()

	// The rescheduler removes the id before stopping the prior task, so the
	// slot reads empty while it waits.
	waitFor(t, time.Second, func() bool { return !s.HasTask("job") })

	// A second scheduler lands in that window.
	var interloper atomic.Int32
	if err := s.Schedule(context.Background(), "job", func(ctx context.Context) error {
		interloper.Add(1)
		return nil
	}, TaskConfig{Interval: 5 * time.Millisecond}); err != nil {
		t.Fatalf("schedule interloper: %v", err)
	}

	close(block)
	<-rescheduled

	waitFor(t, time.Second, func() bool { return replacement.Load() >= 1 })

	if err := s.StopTask("job"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	replacementCount := replacement.Load()
	interloperCount := interloper.Load()
	time.Sleep(50 * time.Millisecond)
	if replacement.Load() != replacementCount {
		t.Fatalf("replacement kept firing after stop: %d -> %d", replacementCount, replacement.Load())
	}
	if interloper.Load() != interloperCount {
		t.Fatalf("overwritten task kept firing after stop: %d -> %d", interloperCount, interloper.Load())
	}
}

func TestJobErrorDoesNotStopSchedule(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	var runs atomic.Int32
	job := func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}
	if err := s.Schedule(context.Background(), "failing", job, TaskConfig{Interval: 10 * time.Millisecond}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return runs.Load() >= 3 })
}

func TestPanicIsContained(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	if err := s.Schedule(context.Background(), "panicky", func(ctx context.Context) error {
		panic("kaboom")
	}, TaskConfig{}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	res, err := s.RunTask(context.Background(), "panicky")
	if err != nil {
		t.Fatalf("run task: %v", err)
	}
	if res.Err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestStopTask(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	defer s.Close()

	var runs atomic.Int32
	if err := s.Schedule(context.Background(), "job", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, TaskConfig{Interval: 10 * time.Millisecond}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	waitFor(t, time.Second, func() bool { return runs.Load() >= 1 })

	if err := s.StopTask("job"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.HasTask("job") {
		t.Fatal("task still registered after stop")
	}

	count := runs.Load()
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != count {
		t.Fatalf("task fired after stop: %d -> %d", count, runs.Load())
	}
}

func TestCloseRejectsNewTasks(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	s.Close()

	err := s.Schedule(context.Background(), "late", func(ctx context.Context) error { return nil }, TaskConfig{})
	if !errors.Is(err, ErrSchedulerClosed) {
		t.Fatalf("expected ErrSchedulerClosed, got %v", err)
	}
}
