// Package retry implements the classified-error-driven retry engine (C9):
// executeWithRetry(thunk, strategy, context) -> RetryResult. The decision
// tree and backoff formula transcribe spec §4.5 directly; the
// per-operation statistics map follows the mutex-guarded-stats shape of
// server/rate_limiter.go's RateLimiterStats (accumulate under a lock,
// return a copy on read).
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/classify"
)

// Strategy configures one retry policy.
type Strategy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	Retryable         map[classify.Category]bool
	NonRetryable      map[classify.Category]bool
	Predicate         func(err *classify.Error, attempt int) bool
}

// DefaultRetryable / DefaultNonRetryable match the default sets in spec
// §4.5.
func DefaultRetryable() map[classify.Category]bool {
	return map[classify.Category]bool{
		classify.ConnectionError:   true,
		classify.TimeoutError:      true,
		classify.NetworkError:      true,
		classify.Deadlock:          true,
		classify.LockWaitTimeout:   true,
		classify.ResourceExhausted: true,
		classify.RateLimit:         true,
		classify.ServerGone:        true,
		classify.SSLError:          true,
		classify.DegradedService:   true,
		classify.Dependency:        true,
		classify.PartialFailure:    true,
	}
}

func DefaultNonRetryable() map[classify.Category]bool {
	return map[classify.Category]bool{
		classify.AccessDenied:      true,
		classify.SecurityViolation: true,
		classify.SyntaxError:       true,
		classify.ObjectNotFound:    true,
		classify.ConstraintViolated: true,
		classify.DataIntegrity:     true,
		classify.Configuration:     true,
		classify.QueryInterrupted:  true,
		classify.Authentication:    true,
		classify.Authorization:     true,
		classify.ValidationError:   true,
		classify.BusinessLogic:     true,
		classify.TokenExpired:      true,
		classify.SessionExpired:    true,
		classify.QuotaExceeded:     true,
	}
}

// DefaultStrategy is a sensible default retry policy (spec doesn't pin
// exact numbers for this; chosen to match the teacher's reconnect backoff
// shape referenced in examples/server/main.go's comment table: start
// small, multiply, cap).
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Retryable:         DefaultRetryable(),
		NonRetryable:      DefaultNonRetryable(),
	}
}

// DDLStrategy gets fewer attempts per spec §4.8 ("DDL -> fewer attempts").
func DDLStrategy() Strategy {
	s := DefaultStrategy()
	s.MaxAttempts = 1
	return s
}

// TransactionalWriteStrategy retries only on deadlock/lock-wait per spec
// §4.8 ("transactional write -> retry on deadlock/lock-wait only").
func TransactionalWriteStrategy() Strategy {
	s := DefaultStrategy()
	s.Retryable = map[classify.Category]bool{
		classify.Deadlock:        true,
		classify.LockWaitTimeout: true,
	}
	return s
}

// Attempt records one try in the history.
type Attempt struct {
	Number    int
	Error     *classify.Error
	Delay     time.Duration
	Timestamp time.Time
}

// Result is the outcome of executeWithRetry.
type Result struct {
	Success    bool
	Attempts   int
	TotalDelay time.Duration
	Value      any
	LastError  *classify.Error
	History    []Attempt
}

// Execute runs thunk under strategy, retrying per the §4.5 decision tree.
// thunk must be cancellable: Execute passes ctx through so a blocking
// thunk can observe cancellation; the retry sleep itself is always
// cancellable.
func Execute(ctx context.Context, strategy Strategy, thunk func(ctx context.Context) (any, error)) Result {
	var result Result
	var lastErr *classify.Error

	for attempt := 1; ; attempt++ {
		start := time.Now()
		val, err := thunk(ctx)
		if err == nil {
			result.Success = true
			result.Attempts = attempt
			result.Value = val
			result.History = append(result.History, Attempt{Number: attempt, Timestamp: start})
			return result
		}

		ce := classify.As(err)
		lastErr = ce
		result.History = append(result.History, Attempt{Number: attempt, Error: ce, Timestamp: start})

		if !shouldRetry(strategy, ce, attempt) {
			break
		}

		delay := backoffDelay(strategy, attempt)
		result.TotalDelay += delay
		if len(result.History) > 0 {
			result.History[len(result.History)-1].Delay = delay
		}

		select {
		case <-ctx.Done():
			lastErr = classify.New(classify.PartialFailure, classify.High, "retry cancelled while sleeping before next attempt")
			result.History = append(result.History, Attempt{Number: attempt + 1, Error: lastErr, Timestamp: time.Now()})
			result.Attempts = attempt
			result.LastError = lastErr
			return result
		case <-time.After(delay):
		}
	}

	result.Attempts = len(result.History)
	result.LastError = lastErr
	return result
}

// shouldRetry implements the §4.5 decision tree for attempt k with error e.
func shouldRetry(s Strategy, e *classify.Error, k int) bool {
	if k >= s.MaxAttempts {
		return false
	}
	if e.Severity == classify.Fatal {
		return false
	}
	if s.NonRetryable[e.Category] {
		return false
	}
	if s.Retryable[e.Category] {
		if s.Predicate != nil {
			return s.Predicate(e, k)
		}
		return true
	}
	return false // deny-by-default
}

// backoffDelay computes delay before attempt k+1:
// d = min(maxDelay, baseDelay*multiplier^(k-1)); with jitter, *(1+U(-0.1,0.1)).
func backoffDelay(s Strategy, k int) time.Duration {
	mult := 1.0
	for i := 1; i < k; i++ {
		mult *= s.BackoffMultiplier
	}
	d := time.Duration(float64(s.BaseDelay) * mult)
	if d > s.MaxDelay {
		d = s.MaxDelay
	}
	if s.Jitter {
		j := 1 + (rand.Float64()*0.2 - 0.1)
		d = time.Duration(float64(d) * j)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// OpStats accumulates statistics for one named operation.
type OpStats struct {
	TotalAttempts      int64
	SuccessfulRetries  int64
	FailedRetries      int64
	movingAvgNanos     float64
	LastRetryAt        time.Time
}

// StatsRegistry tracks OpStats per operation name, guarded by a map-level
// lock (per spec §9, shared mutable maps need per-shard/per-series
// locking; a single named-operation map is small enough that one lock
// suffices here, mirroring the teacher's own RateLimiter map lock).
type StatsRegistry struct {
	mu   sync.Mutex
	byOp map[string]*OpStats
}

// NewStatsRegistry creates an empty registry.
func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{byOp: make(map[string]*OpStats)}
}

// Record folds a Result's outcome into the named operation's statistics.
func (r *StatsRegistry) Record(op string, result Result, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byOp[op]
	if !ok {
		st = &OpStats{}
		r.byOp[op] = st
	}
	st.TotalAttempts += int64(result.Attempts)
	if result.Attempts > 1 {
		if result.Success {
			st.SuccessfulRetries++
		} else {
			st.FailedRetries++
		}
	}
	const alpha = 0.2
	if st.movingAvgNanos == 0 {
		st.movingAvgNanos = float64(duration)
	} else {
		st.movingAvgNanos = alpha*float64(duration) + (1-alpha)*st.movingAvgNanos
	}
	st.LastRetryAt = time.Now()
}

// Snapshot returns a copy of one operation's stats.
func (r *StatsRegistry) Snapshot(op string) OpStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.byOp[op]; ok {
		return *st
	}
	return OpStats{}
}

// Reset clears one operation's stats, or all operations when op is "".
func (r *StatsRegistry) Reset(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op == "" {
		r.byOp = make(map[string]*OpStats)
		return
	}
	delete(r.byOp, op)
}
