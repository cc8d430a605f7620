// Package ratelimit implements the token bucket and adaptive
// multi-identifier rate limiter (C4). The bucket algorithm and the
// map-of-buckets-with-double-checked-locking shape are carried over from
// server/rate_limiter.go almost unchanged; what changes is the time source
// (monotonic, via internal/clock, so wall-clock jumps cannot grant bursts)
// and the addition of the load-adaptive capacity table from spec §4.2, fed
// by internal/pressure.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/clock"
)

// Bucket is a token bucket for a single identifier. Capacity and tokens are
// fractional per spec §3 ("current tokens (fractional)").
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens/sec
	lastRefill time.Time
	clk        clock.Clock
}

// NewBucket creates a bucket starting full, matching the teacher's
// NewTokenBucket (a fresh client should not be immediately throttled).
func NewBucket(capacity, refillRate float64, clk clock.Clock) *Bucket {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: clk.Now(),
		clk:        clk,
	}
}

// Allow requests n tokens. n=0 is always granted and still refills, per
// spec §4.2 and the boundary case in §8.
func (b *Bucket) Allow(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now

	if n == 0 {
		return true
	}
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Snapshot returns the current (tokens, capacity) pair, for diagnostics.
func (b *Bucket) Snapshot() (tokens, capacity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens, b.capacity
}

func (b *Bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastRefill)
}

// Config configures the adaptive limiter.
type Config struct {
	BaseRequestsPerSecond int
	BaseBurstSize         int
	Window                time.Duration // used to derive refill rate from effective capacity
	CleanupInterval       time.Duration
	IdleCutoff            time.Duration
}

// DefaultConfig matches the teacher's DefaultRateLimiterConfig defaults,
// generalized with the window concept spec §6 names (RATE_LIMIT_WINDOW).
func DefaultConfig() Config {
	return Config{
		BaseRequestsPerSecond: 100,
		BaseBurstSize:         100,
		Window:                60 * time.Second,
		CleanupInterval:       5 * time.Minute,
		IdleCutoff:            10 * time.Minute,
	}
}

// LoadFactor implements the table in spec §4.2.
func LoadFactor(cpu, mem float64) float64 {
	if cpu > 0.80 || mem > 0.80 {
		return 0.5
	}
	if cpu < 0.50 && mem < 0.50 {
		return 1.2
	}
	return 1.0
}

// Limiter wraps a map identifier->bucket. New buckets are sized using the
// current load factor at creation time; existing buckets are never
// retroactively resized (stability over strict fairness, per spec §4.2).
type Limiter struct {
	cfg Config
	clk clock.Clock

	mu          sync.RWMutex
	buckets     map[string]*Bucket
	loadFactor  float64
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates a Limiter. Call Stop to release the background cleanup
// goroutine.
func New(cfg Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	l := &Limiter{
		cfg:        cfg,
		clk:        clk,
		buckets:    make(map[string]*Bucket),
		loadFactor: 1.0,
		stopCh:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// SetLoadFactor is called by a sampler reading from the pressure bus /
// resource probe (C1/C2) to update the factor used for newly created
// buckets.
func (l *Limiter) SetLoadFactor(f float64) {
	l.mu.Lock()
	l.loadFactor = f
	l.mu.Unlock()
}

// Allow checks whether one request from identifier should proceed,
// creating its bucket (sized by the current load factor) on first use.
func (l *Limiter) Allow(identifier string) bool {
	if identifier == "" {
		identifier = "unknown"
	}

	l.mu.RLock()
	b, ok := l.buckets[identifier]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		b, ok = l.buckets[identifier]
		if !ok {
			capacity := float64(l.cfg.BaseBurstSize) * l.loadFactor
			refill := capacity / l.cfg.Window.Seconds()
			b = NewBucket(capacity, refill, l.clk)
			l.buckets[identifier] = b
		}
		l.mu.Unlock()
	}

	return b.Allow(1)
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.performCleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) performCleanup() {
	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if b.idleSince(now) > l.cfg.IdleCutoff {
			delete(l.buckets, id)
		}
	}
}

// Stop halts the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Stats mirrors the teacher's RateLimiterStats, extended with the current
// load factor.
type Stats struct {
	ActiveIdentifiers int
	BaseRequestsPerSecond int
	BaseBurstSize     int
	LoadFactor        float64
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		ActiveIdentifiers:     len(l.buckets),
		BaseRequestsPerSecond: l.cfg.BaseRequestsPerSecond,
		BaseBurstSize:         l.cfg.BaseBurstSize,
		LoadFactor:            l.loadFactor,
	}
}
