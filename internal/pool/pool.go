// Package pool implements the bounded connection pool with health checks
// and multi-stage recovery (C8). Connection-opening and pool-size
// configuration follow server/server.go's NewHandler/Start (sql.Open with
// SetMaxIdleConns/SetMaxOpenConns/SetConnMaxLifetime); the periodic
// liveness-probe-with-stale-entry-cleanup shape for health checking and
// leak detection is adapted from server/heartbeat.go's
// ServerHeartbeatManager.cleanupLoop. The recovery state machine
// (Normal -> Primary -> Secondary -> Critical) and the circuit breaker have
// no teacher analog — they are new, built directly from spec §4.4.
package pool

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/auditlog"
	"github.com/sqlgateway/mcpmysql/internal/classify"
)

// Conn is the minimal surface the pool needs from a live connection —
// satisfied directly by *sql.Conn.
type Conn interface {
	PingContext(ctx context.Context) error
	Close() error
}

// Connector opens new Conns. The production implementation wraps a
// *sql.DB's Conn method; tests substitute a fake.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// State is the recovery state machine's current state.
type State int

const (
	Normal State = iota
	PrimaryRecovery
	SecondaryRecovery
	CriticalAlert
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case PrimaryRecovery:
		return "PRIMARY_RECOVERY"
	case SecondaryRecovery:
		return "SECONDARY_RECOVERY"
	case CriticalAlert:
		return "CRITICAL_ALERT"
	default:
		return "UNKNOWN"
	}
}

// Config sizes and times the pool.
type Config struct {
	Min                  int
	Max                  int
	AcquireTimeout       time.Duration
	IdleTimeout          time.Duration
	MaxAge               time.Duration
	HealthCheckInterval  time.Duration
	HealthCheckFailLimit int // triggers recovery
	LeakThreshold        time.Duration
	RecoveryTimeout       time.Duration
	CircuitFailThreshold int
	CircuitOpenDuration  time.Duration
	SecondaryBackoff     time.Duration
}

// DefaultConfig mirrors the teacher's pool defaults (MaxIdleConns 10,
// MaxOpenConns 20 in NewHandler) extended with the recovery/circuit
// parameters spec §4.4 names.
func DefaultConfig() Config {
	return Config{
		Min:                  2,
		Max:                  20,
		AcquireTimeout:       5 * time.Second,
		IdleTimeout:          60 * time.Second,
		MaxAge:               3 * time.Minute,
		HealthCheckInterval:  30 * time.Second,
		HealthCheckFailLimit: 5,
		LeakThreshold:        30 * time.Second,
		RecoveryTimeout:      10 * time.Second,
		CircuitFailThreshold: 5,
		CircuitOpenDuration:  10 * time.Second,
		SecondaryBackoff:     2 * time.Second,
	}
}

// record is one tracked connection.
type record struct {
	id             string
	conn           Conn
	createdAt      time.Time
	acquiredAt     time.Time
	lastHealthOK   bool
	lastHealthAt   time.Time
	age            time.Duration
	acquirerStack  string
}

// Handle is what callers receive from Acquire; Release must be called
// exactly once per successful Acquire.
type Handle struct {
	ID        string
	Conn      Conn
	pool      *Pool
}

// Pool is the C8 component.
type Pool struct {
	cfg       Config
	connector Connector
	log       *auditlog.Logger

	mu      sync.Mutex
	idle    []*record
	active  map[string]*record
	nextID  int64

	healthFailures int
	state          State
	circuitFails   int
	circuitOpenAt  time.Time
	circuitHalfOpenProbe bool

	waitCh chan struct{} // broadcast-ish: closed+replaced on release

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Pool. Call Initialize before use and Close on shutdown.
func New(cfg Config, connector Connector, auditLog *auditlog.Logger) *Pool {
	return &Pool{
		cfg:       cfg,
		connector: connector,
		log:       auditLog,
		active:    make(map[string]*record),
		waitCh:    make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Initialize opens Min connections in parallel. Failure of any single
// connection is non-fatal if at least one succeeds; if all fail, returns a
// classified CONNECTION_ERROR (spec §4.4).
func (p *Pool) Initialize(ctx context.Context) error {
	var wg sync.WaitGroup
	results := make([]*record, p.cfg.Min)
	errs := make([]error, p.cfg.Min)

	for i := 0; i < p.cfg.Min; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := p.open(ctx)
			results[i] = r
			errs[i] = err
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	opened := 0
	for _, r := range results {
		if r != nil {
			p.idle = append(p.idle, r)
			opened++
		}
	}
	p.mu.Unlock()

	if opened == 0 {
		return classify.New(classify.ConnectionError, classify.Critical, "pool: failed to open any initial connection")
	}

	p.startBackground()
	return nil
}

func (p *Pool) startBackground() {
	p.wg.Add(2)
	go func() { defer p.wg.Done(); p.healthCheckLoop() }()
	go func() { defer p.wg.Done(); p.leakDetectionLoop() }()
}

func (p *Pool) open(ctx context.Context) (*record, error) {
	conn, err := p.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("conn-%d", p.nextID)
	p.mu.Unlock()
	return &record{id: id, conn: conn, createdAt: time.Now(), lastHealthOK: true}, nil
}

// Acquire returns a live connection handle, failing with RESOURCE_EXHAUSTED
// after AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*Handle, *classify.Error) {
	if open, allowed := p.circuitCheck(); open && !allowed {
		return nil, classify.New(classify.ResourceExhausted, classify.High, "pool: circuit breaker open")
	}

	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		p.mu.Lock()
		if len(p.idle) > 0 {
			r := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			r.acquiredAt = time.Now()
			r.acquirerStack = string(debug.Stack())
			p.active[r.id] = r
			p.mu.Unlock()
			p.circuitRecordSuccess()
			return &Handle{ID: r.id, Conn: r.conn, pool: p}, nil
		}
		canOpen := len(p.active)+len(p.idle) < p.cfg.Max
		waitCh := p.waitCh
		p.mu.Unlock()

		if canOpen {
			r, err := p.open(ctx)
			if err != nil {
				p.circuitRecordFailure()
				// fall through to waiting instead of failing outright —
				// a transient dial failure shouldn't immediately exhaust
				// the caller when other connections might free up.
			} else {
				p.mu.Lock()
				r.acquiredAt = time.Now()
				r.acquirerStack = string(debug.Stack())
				p.active[r.id] = r
				p.mu.Unlock()
				p.circuitRecordSuccess()
				return &Handle{ID: r.id, Conn: r.conn, pool: p}, nil
			}
		}

		select {
		case <-ctx.Done():
			p.circuitRecordFailure()
			return nil, classify.New(classify.ResourceExhausted, classify.High, "pool: acquire timed out")
		case <-waitCh:
			// a release happened; loop and retry
		case <-time.After(50 * time.Millisecond):
			// bounded poll in case waitCh was replaced between our read and select
		}
	}
}

// Release returns a handle's connection to the idle set.
func (p *Pool) Release(h *Handle) {
	p.mu.Lock()
	r, ok := p.active[h.ID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, h.ID)
	r.acquiredAt = time.Time{}
	r.acquirerStack = ""
	p.idle = append(p.idle, r)
	old := p.waitCh
	p.waitCh = make(chan struct{})
	p.mu.Unlock()
	close(old)
}

// Stats is a diagnostic snapshot.
type Stats struct {
	Live               int
	Idle               int
	Active             int
	State              State
	HealthFailures     int
	CircuitOpen        bool
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Live:           len(p.idle) + len(p.active),
		Idle:           len(p.idle),
		Active:         len(p.active),
		State:          p.state,
		HealthFailures: p.healthFailures,
		CircuitOpen:    !p.circuitOpenAt.IsZero() && time.Since(p.circuitOpenAt) < p.cfg.CircuitOpenDuration,
	}
}

// Close retires every tracked connection and stops background loops.
func (p *Pool) Close() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.idle {
		_ = r.conn.Close()
	}
	for _, r := range p.active {
		_ = r.conn.Close()
	}
	p.idle = nil
	p.active = make(map[string]*record)
}

// --- Health checking & reaping -------------------------------------------------

func (p *Pool) healthCheckLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runHealthCheck()
			p.reapIdle()
		}
	}
}

func (p *Pool) runHealthCheck() {
	p.mu.Lock()
	var target *record
	if len(p.idle) > 0 {
		target = p.idle[0]
	}
	p.mu.Unlock()
	if target == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := target.conn.PingContext(ctx)
	cancel()

	if err == nil {
		p.mu.Lock()
		target.lastHealthOK = true
		target.lastHealthAt = time.Now()
		p.healthFailures = 0
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.healthFailures++
	target.lastHealthOK = false
	// retire the failing connection
	p.removeIdle(target)
	failures := p.healthFailures
	p.mu.Unlock()
	_ = target.conn.Close()

	p.logEvent("HEALTH_CHECK_FAILURE", classify.Medium, map[string]any{"failures": failures})

	if failures >= p.cfg.HealthCheckFailLimit {
		go p.beginRecovery()
	}
}

func (p *Pool) removeIdle(target *record) {
	for i, r := range p.idle {
		if r == target {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool) reapIdle() {
	now := time.Now()
	p.mu.Lock()
	var keep []*record
	var reap []*record
	for _, r := range p.idle {
		age := now.Sub(r.createdAt)
		if (p.cfg.MaxAge > 0 && age > p.cfg.MaxAge) || (p.cfg.IdleTimeout > 0 && now.Sub(r.lastHealthAt) > p.cfg.IdleTimeout && !r.lastHealthAt.IsZero()) {
			reap = append(reap, r)
		} else {
			keep = append(keep, r)
		}
	}
	// never reap below Min
	for len(reap) > 0 && len(keep)+len(p.active) < p.cfg.Min {
		keep = append(keep, reap[len(reap)-1])
		reap = reap[:len(reap)-1]
	}
	p.idle = keep
	p.mu.Unlock()

	for _, r := range reap {
		_ = r.conn.Close()
	}
}

// --- Leak detection -------------------------------------------------------

func (p *Pool) leakDetectionLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkLeaks()
		}
	}
}

func (p *Pool) checkLeaks() {
	now := time.Now()
	p.mu.Lock()
	var leaked []*record
	for _, r := range p.active {
		if p.cfg.LeakThreshold > 0 && now.Sub(r.acquiredAt) > p.cfg.LeakThreshold {
			leaked = append(leaked, r)
		}
	}
	p.mu.Unlock()

	for _, r := range leaked {
		log.Printf("[pool] connection %s held for %v, acquired at:\n%s", r.id, now.Sub(r.acquiredAt), r.acquirerStack)
	}
}

// --- Recovery state machine ------------------------------------------------

func (p *Pool) beginRecovery() {
	p.mu.Lock()
	if p.state != Normal {
		p.mu.Unlock()
		return
	}
	p.state = PrimaryRecovery
	p.mu.Unlock()

	p.logEvent("PRIMARY_RECOVERY", classify.High, nil)
	if p.primaryRecover() {
		p.logEvent("PRIMARY_RECOVERY_SUCCESS", classify.Info, nil)
		p.mu.Lock()
		p.state = Normal
		p.healthFailures = 0
		p.circuitFails = 0
		p.circuitOpenAt = time.Time{}
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.state = SecondaryRecovery
	p.mu.Unlock()
	p.logEvent("SECONDARY_RECOVERY", classify.High, nil)

	time.Sleep(p.cfg.SecondaryBackoff)
	if p.secondaryRecover() {
		p.logEvent("SECONDARY_RECOVERY_SUCCESS", classify.Info, nil)
		p.mu.Lock()
		p.state = Normal
		p.healthFailures = 0
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.state = CriticalAlert
	p.mu.Unlock()
	p.logEvent("CRITICAL_ALERT", classify.Critical, nil)
}

// primaryRecover force-releases tracked active connections (logging their
// stack so leaked handles don't wedge shutdown), clears circuit counters,
// and validates by acquiring and pinging a connection (an idle one if
// available).
func (p *Pool) primaryRecover() bool {
	p.mu.Lock()
	for id, r := range p.active {
		log.Printf("[pool] force-releasing connection %s during primary recovery, acquired at:\n%s", id, r.acquirerStack)
		_ = r.conn.Close()
		delete(p.active, id)
	}
	p.circuitFails = 0
	p.circuitOpenAt = time.Time{}
	p.mu.Unlock()

	return p.validate()
}

// secondaryRecover tears down all idle connections, reconstructs minimum
// connections, and validates; the backoff wait before it happens in
// beginRecovery.
func (p *Pool) secondaryRecover() bool {
	p.mu.Lock()
	for _, r := range p.idle {
		_ = r.conn.Close()
	}
	p.idle = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RecoveryTimeout)
	defer cancel()
	for i := 0; i < p.cfg.Min; i++ {
		if r, err := p.open(ctx); err == nil {
			p.mu.Lock()
			p.idle = append(p.idle, r)
			p.mu.Unlock()
		}
	}
	return p.validate()
}

// validate attempts acquire -> ping -> release within a timeout.
func (p *Pool) validate() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RecoveryTimeout)
	defer cancel()
	h, cerr := p.Acquire(ctx)
	if cerr != nil {
		return false
	}
	err := h.Conn.PingContext(ctx)
	p.Release(h)
	return err == nil
}

// --- Circuit breaker --------------------------------------------------------

// circuitCheck returns (open, allowed): open is whether the circuit is
// currently open; allowed is whether this call may proceed (half-open
// probe).
func (p *Pool) circuitCheck() (open bool, allowed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.circuitOpenAt.IsZero() {
		return false, true
	}
	if time.Since(p.circuitOpenAt) < p.cfg.CircuitOpenDuration {
		// still inside the open window: deny fast, no probes yet
		return true, false
	}
	if p.circuitHalfOpenProbe {
		// a probe is already in flight; deny concurrent callers until it
		// resolves via circuitRecordSuccess/circuitRecordFailure
		return true, false
	}
	p.circuitHalfOpenProbe = true
	return true, true // allow exactly one probe
}

func (p *Pool) circuitRecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.circuitFails++
	if p.circuitHalfOpenProbe {
		// probe failed: re-open with exponential backoff
		p.circuitOpenAt = time.Now()
		p.cfg.CircuitOpenDuration *= 2
		p.circuitHalfOpenProbe = false
		return
	}
	if p.circuitFails >= p.cfg.CircuitFailThreshold && p.circuitOpenAt.IsZero() {
		p.circuitOpenAt = time.Now()
	}
}

func (p *Pool) circuitRecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.circuitHalfOpenProbe {
		p.circuitOpenAt = time.Time{}
		p.circuitHalfOpenProbe = false
	}
	p.circuitFails = 0
}

func (p *Pool) logEvent(kind string, sev classify.Severity, ctx map[string]any) {
	if p.log == nil {
		return
	}
	p.log.Record(auditlog.Event{Kind: kind, Severity: string(sev), Context: ctx})
}
