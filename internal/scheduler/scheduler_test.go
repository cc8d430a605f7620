package scheduler

import (
	"context"
	"testing"
	"time"
)

func waitForStatus(t *testing.T, s *Scheduler, id string, want Status, timeout time.Duration) Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, ok := s.Get(id)
		if ok && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", id, want)
	return Task{}
}

func TestDispatchOrderIsPriorityThenFIFO(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	s := New(cfg)

	var order []string
	gate := make(chan struct{})

	block := s.Submit("report", 1, func(ctx context.Context, emit Emitter) (any, error) {
		<-gate
		order = append(order, "block")
		return nil, nil
	})
	_ = block

	low := s.Submit("report", 1, func(ctx context.Context, emit Emitter) (any, error) {
		order = append(order, "low")
		return nil, nil
	})
	high := s.Submit("report", 5, func(ctx context.Context, emit Emitter) (any, error) {
		order = append(order, "high")
		return nil, nil
	})
	_ = low
	_ = high

	s.Start()
	defer s.Stop()
	time.Sleep(30 * time.Millisecond)
	close(gate)

	waitForStatus(t, s, high, Completed, time.Second)
	waitForStatus(t, s, low, Completed, time.Second)

	if len(order) != 3 || order[0] != "high" || order[1] != "block" || order[2] != "low" {
		t.Fatalf("expected high-priority task first, then equal-priority tasks in submission order, got %v", order)
	}
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	s := New(cfg)

	gate := make(chan struct{})
	blocker := s.Submit("backup", 1, func(ctx context.Context, emit Emitter) (any, error) {
		<-gate
		return nil, nil
	})

	ran := false
	id := s.Submit("backup", 1, func(ctx context.Context, emit Emitter) (any, error) {
		ran = true
		return nil, nil
	})

	s.Start()
	defer s.Stop()
	time.Sleep(20 * time.Millisecond)

	if !s.Cancel(id) {
		t.Fatal("expected Cancel of queued task to succeed")
	}
	close(gate)
	waitForStatus(t, s, blocker, Completed, time.Second)
	task, _ := s.Get(id)
	if task.Status != Cancelled {
		t.Fatalf("expected cancelled task, got %v", task.Status)
	}
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Fatal("cancelled-while-queued task must never run")
	}
}

func TestCancelUnknownIDReturnsFalse(t *testing.T) {
	s := New(DefaultConfig())
	if s.Cancel("no-such-task") {
		t.Fatal("expected Cancel of unknown id to return false")
	}
}

func TestPauseStopsDispatchResumeContinues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	s := New(cfg)
	s.Pause()
	s.Start()
	defer s.Stop()

	id := s.Submit("export", 1, func(ctx context.Context, emit Emitter) (any, error) {
		return "done", nil
	})

	time.Sleep(50 * time.Millisecond)
	task, _ := s.Get(id)
	if task.Status != Queued {
		t.Fatalf("expected task to remain queued while paused, got %v", task.Status)
	}

	s.Resume()
	waitForStatus(t, s, id, Completed, time.Second)
}

func TestPressureReducesMaxConcurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 10
	cfg.PressureReduceFactor = 0.5
	cfg.PressureThreshold = 0.8
	s := New(cfg)

	s.OnPressureUpdate(0.9)
	if s.Stats().MaxConcurrent != 5 {
		t.Fatalf("expected maxConcurrent halved under pressure, got %d", s.Stats().MaxConcurrent)
	}
	s.OnPressureUpdate(0.1)
	if s.Stats().MaxConcurrent != 10 {
		t.Fatalf("expected maxConcurrent restored once pressure subsides, got %d", s.Stats().MaxConcurrent)
	}
}

func TestFailedTaskRecordsClassifiedError(t *testing.T) {
	s := New(DefaultConfig())
	s.Start()
	defer s.Stop()

	id := s.Submit("import", 1, func(ctx context.Context, emit Emitter) (any, error) {
		panic("disk full")
	})
	task := waitForStatus(t, s, id, Failed, time.Second)
	if task.Err == nil {
		t.Fatal("expected classified error on panic recovery")
	}
}

func TestStatsCountsByType(t *testing.T) {
	s := New(DefaultConfig())
	s.Submit("backup", 1, func(ctx context.Context, emit Emitter) (any, error) { return nil, nil })
	s.Submit("export", 1, func(ctx context.Context, emit Emitter) (any, error) { return nil, nil })
	stats := s.Stats()
	if stats.Total != 2 || stats.ByType["backup"] != 1 || stats.ByType["export"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
