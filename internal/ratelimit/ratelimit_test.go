package ratelimit

import (
	"testing"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/clock"
)

func TestBucketZeroTokensAlwaysGranted(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := NewBucket(5, 1, fc)
	for i := 0; i < 10; i++ {
		if !b.Allow(0) {
			t.Fatal("n=0 request must always be granted")
		}
	}
}

func TestBucketInvariantBounds(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := NewBucket(5, 1, fc)
	for i := 0; i < 20; i++ {
		b.Allow(1)
		fc.Advance(200 * time.Millisecond)
		tokens, capacity := b.Snapshot()
		if tokens < 0 || tokens > capacity {
			t.Fatalf("invariant violated: tokens=%v capacity=%v", tokens, capacity)
		}
	}
}

func TestBucketWallClockJumpDoesNotGrantBurst(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := NewBucket(5, 1, fc)
	// Drain the bucket.
	for i := 0; i < 5; i++ {
		if !b.Allow(1) {
			t.Fatal("expected initial burst to be allowed")
		}
	}
	if b.Allow(1) {
		t.Fatal("bucket should be empty")
	}
	// A monotonic clock never jumps backward; verify refill is still
	// proportional to elapsed time, not unconditionally granting.
	fc.Advance(100 * time.Millisecond)
	if b.Allow(1) {
		t.Fatal("should not have refilled a whole token after 100ms at 1/sec")
	}
}

func TestLoadFactorTable(t *testing.T) {
	cases := []struct {
		cpu, mem float64
		want     float64
	}{
		{0.9, 0.1, 0.5},
		{0.1, 0.9, 0.5},
		{0.81, 0.81, 0.5},
		{0.4, 0.4, 1.2},
		{0.5, 0.5, 1.0},
		{0.8, 0.8, 1.0},
		{0.6, 0.3, 1.0},
	}
	for _, c := range cases {
		if got := LoadFactor(c.cpu, c.mem); got != c.want {
			t.Errorf("LoadFactor(%v,%v) = %v, want %v", c.cpu, c.mem, got, c.want)
		}
	}
}

func TestLimiterExistingBucketsNotRetroactivelyResized(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := DefaultConfig()
	cfg.BaseBurstSize = 10
	l := New(cfg, fc)
	defer l.Stop()

	l.Allow("alice") // creates bucket at loadFactor 1.0, capacity 10
	l.SetLoadFactor(0.5)
	// alice's bucket must not shrink just because the global factor changed.
	l.mu.RLock()
	b := l.buckets["alice"]
	l.mu.RUnlock()
	_, capacity := b.Snapshot()
	if capacity != 10 {
		t.Fatalf("existing bucket capacity changed: got %v want 10", capacity)
	}
}

func TestLimiterSixthRequestDeniedAtCapacityFive(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	cfg := Config{BaseRequestsPerSecond: 5, BaseBurstSize: 5, Window: 60 * time.Second, CleanupInterval: time.Hour, IdleCutoff: time.Hour}
	l := New(cfg, fc)
	defer l.Stop()

	allowed := 0
	for i := 0; i < 6; i++ {
		if l.Allow("bob") {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("expected exactly 5 allowed requests, got %d", allowed)
	}
}
