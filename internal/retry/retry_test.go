package retry

import (
	"context"
	"testing"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/classify"
)

func TestFatalSeverityStopsAfterOneAttempt(t *testing.T) {
	s := DefaultStrategy()
	s.MaxAttempts = 5
	calls := 0
	result := Execute(context.Background(), s, func(ctx context.Context) (any, error) {
		calls++
		return nil, classify.New(classify.ConnectionError, classify.Fatal, "fatal boom")
	})
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for FATAL severity, got %d", calls)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}
}

func TestNonRetryableCategoryStopsImmediately(t *testing.T) {
	s := DefaultStrategy()
	calls := 0
	Execute(context.Background(), s, func(ctx context.Context) (any, error) {
		calls++
		return nil, classify.New(classify.SyntaxError, classify.Low, "bad sql")
	})
	if calls != 1 {
		t.Fatalf("expected 1 attempt for non-retryable category, got %d", calls)
	}
}

func TestRetriesOnDeadlockThenSucceeds(t *testing.T) {
	s := DefaultStrategy()
	s.BaseDelay = time.Millisecond
	calls := 0
	result := Execute(context.Background(), s, func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, classify.New(classify.Deadlock, classify.Medium, "deadlock")
		}
		return "ok", nil
	})
	if !result.Success || calls != 2 {
		t.Fatalf("expected success on second attempt, calls=%d success=%v", calls, result.Success)
	}
	if len(result.History) != 2 {
		t.Fatalf("expected retryHistory length 2, got %d", len(result.History))
	}
}

func TestDenyByDefaultForUnlistedCategory(t *testing.T) {
	s := Strategy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2}
	calls := 0
	Execute(context.Background(), s, func(ctx context.Context) (any, error) {
		calls++
		return nil, classify.New(classify.Unknown, classify.Medium, "mystery")
	})
	if calls != 1 {
		t.Fatalf("expected deny-by-default to stop after 1 attempt, got %d", calls)
	}
}

func TestBackoffNeverExceedsMaxDelay(t *testing.T) {
	s := Strategy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second, BackoffMultiplier: 10, Jitter: false}
	for k := 1; k < 8; k++ {
		d := backoffDelay(s, k)
		if d > s.MaxDelay {
			t.Fatalf("attempt %d: delay %v exceeds maxDelay %v", k, d, s.MaxDelay)
		}
	}
}

func TestCancellationDuringSleepIsRespected(t *testing.T) {
	s := DefaultStrategy()
	s.BaseDelay = time.Second
	s.MaxDelay = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan Result, 1)
	go func() {
		done <- Execute(ctx, s, func(ctx context.Context) (any, error) {
			calls++
			return nil, classify.New(classify.ConnectionError, classify.Medium, "down")
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case r := <-done:
		if r.Success {
			t.Fatal("expected failure after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not respect cancellation during sleep")
	}
}

func TestStatsRegistryRecordsAttempts(t *testing.T) {
	reg := NewStatsRegistry()
	reg.Record("query", Result{Attempts: 3, Success: true}, 10*time.Millisecond)
	snap := reg.Snapshot("query")
	if snap.TotalAttempts != 3 || snap.SuccessfulRetries != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	reg.Reset("query")
	if snap2 := reg.Snapshot("query"); snap2.TotalAttempts != 0 {
		t.Fatal("expected reset to clear stats")
	}
}
