// Package pressure implements the memory-pressure bus (C2): a periodic
// pressure scalar in [0,1], broadcast to subscribers. The teacher's
// monitoring.go runs a periodic ticker that aggregates and prints stats;
// this package keeps that periodic-sampling shape but re-architects the fan
// out per spec §9's design note — a single publisher with bounded
// broadcast channels, not an observer list. Dropped updates are acceptable
// (next tick catches up); observers must never block the publisher.
package pressure

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/clock"
)

// Config controls the sampling cadence and the thresholds used to derive a
// [0,1] scalar from raw resource usage.
type Config struct {
	SampleInterval  time.Duration
	HeapHighBytes   uint64 // heap alloc at/above this maps to pressure 1.0
	GoroutineHigh   int    // goroutine count at/above this maps to pressure 1.0
	SubscriberDepth int    // buffered channel depth per subscriber
}

// DefaultConfig matches the teacher's monitoring loop cadence
// (server/monitoring.go ticks every 30s) applied to this bus's sampling.
func DefaultConfig() Config {
	return Config{
		SampleInterval:  30 * time.Second,
		HeapHighBytes:   512 * 1024 * 1024,
		GoroutineHigh:   5000,
		SubscriberDepth: 4,
	}
}

// Bus periodically samples resource usage via clock.Sampler, derives a
// pressure scalar, and broadcasts it to subscribers. Subscribers are called
// (sent to, non-blocking) on the bus's own goroutine — per spec §5,
// observers must not perform blocking I/O.
type Bus struct {
	cfg     Config
	sampler clock.Sampler

	mu          sync.Mutex
	subscribers map[int]chan float64
	nextID      int
	last        float64
	lastCPU     float64
	lastMem     float64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Bus. Call Start to begin sampling.
func New(cfg Config, sampler clock.Sampler) *Bus {
	return &Bus{
		cfg:         cfg,
		sampler:     sampler,
		subscribers: make(map[int]chan float64),
		done:        make(chan struct{}),
	}
}

// Start begins the periodic sampling loop. It returns immediately; the loop
// runs on a background goroutine until ctx is cancelled or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.loop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}

func (b *Bus) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Bus) tick() {
	u := b.sampler.Sample()
	p := derivePressure(u, b.cfg)
	cpu, mem := resourceFractions(u, b.cfg)

	b.mu.Lock()
	b.lastCPU = cpu
	b.lastMem = mem
	b.mu.Unlock()

	b.publish(p)
}

// derivePressure maps raw usage onto [0,1]. Heap pressure and goroutine
// pressure are combined by taking the max — either one alone indicates
// load the rate limiter and cache should react to.
func derivePressure(u clock.Usage, cfg Config) float64 {
	var heapP float64
	if cfg.HeapHighBytes > 0 {
		heapP = float64(u.HeapAllocBytes) / float64(cfg.HeapHighBytes)
	}
	var goroP float64
	if cfg.GoroutineHigh > 0 {
		goroP = float64(u.NumGoroutine) / float64(cfg.GoroutineHigh)
	}
	p := heapP
	if goroP > p {
		p = goroP
	}
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	return p
}

// resourceFractions derives separate CPU and memory load fractions in
// [0,1], the per-resource figures ratelimit.LoadFactor needs (spec §4.2),
// as opposed to derivePressure's single merged scalar. CPU load is host
// load-average normalized by CPU count; memory load is heap allocation
// normalized by the same high-water mark derivePressure uses.
func resourceFractions(u clock.Usage, cfg Config) (cpu, mem float64) {
	if u.NumCPU > 0 {
		cpu = u.LoadAvg1 / float64(u.NumCPU)
	}
	if cfg.HeapHighBytes > 0 {
		mem = float64(u.HeapAllocBytes) / float64(cfg.HeapHighBytes)
	}
	cpu = clamp01(cpu)
	mem = clamp01(mem)
	return cpu, mem
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func (b *Bus) publish(p float64) {
	b.mu.Lock()
	b.last = p
	subs := make([]chan float64, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default:
			// Slow subscriber; drop this tick, it catches up next time.
			log.Printf("[pressure] dropped update for a slow subscriber")
		}
	}
}

// Subscribe registers a new subscriber channel and returns it along with an
// unsubscribe function. The channel is buffered per Config.SubscriberDepth.
func (b *Bus) Subscribe() (<-chan float64, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan float64, b.cfg.SubscriberDepth)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
}

// Current returns the most recently published pressure scalar (0 before
// the first sample).
func (b *Bus) Current() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Resources returns the most recently sampled CPU and memory load
// fractions, separately from the merged Current() scalar — this is what
// feeds ratelimit.LoadFactor (spec §4.2), which reacts to CPU and memory
// independently rather than to one combined pressure figure.
func (b *Bus) Resources() (cpu, mem float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCPU, b.lastMem
}

// Sample forces an immediate sample+publish, useful for tests and for a
// caller that wants a fresh reading without waiting for the next tick.
func (b *Bus) Sample() float64 {
	b.tick()
	return b.Current()
}
