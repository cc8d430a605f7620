// Package orchestrator implements the request orchestrator (C11): the
// single entry point that threads one tool invocation through validation,
// access control, rate limiting, caching, retry, and the connection pool.
// The nine-step pipeline is new relative to the teacher (the teacher's
// handleMessage/handleSQL dispatch is a straight-line "rate limit, then
// execute, then respond" with no RBAC/cache/retry layering), but its
// shape — classify every exit path, respond with a single RPCResponse-like
// result or error, log each step with a bracketed tag — is grounded on
// server/server.go's handleMessage/handleSQL.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/cache"
	"github.com/sqlgateway/mcpmysql/internal/classify"
	"github.com/sqlgateway/mcpmysql/internal/fingerprint"
	"github.com/sqlgateway/mcpmysql/internal/metrics"
	"github.com/sqlgateway/mcpmysql/internal/pool"
	"github.com/sqlgateway/mcpmysql/internal/ratelimit"
	"github.com/sqlgateway/mcpmysql/internal/rbac"
	"github.com/sqlgateway/mcpmysql/internal/retry"
	"github.com/sqlgateway/mcpmysql/internal/scheduler"
	"github.com/sqlgateway/mcpmysql/internal/validate"
)

// Shape classifies a tool's retry/caching treatment.
type Shape int

const (
	ShapeRead Shape = iota
	ShapeWrite
	ShapeDDL
	ShapeLongRunning
)

// Tool describes one invocable gateway operation.
type Tool struct {
	Name  string
	Shape Shape
}

// Request is one tool invocation. SessionID, when set, pins execution to an
// already-open session (see SessionManager) instead of acquiring a fresh
// pool connection, so a caller can read its own writes across calls.
type Request struct {
	Tool      string
	SQL       string
	Args      []any
	Principal string
	SessionID string
}

// Result is a successful invocation's outcome; for ShapeLongRunning tools
// TaskID is set instead of Rows/Columns.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	TaskID       string
	CacheHit     bool
}

// Orchestrator wires C4 through C10 into the §4.8 execute pipeline.
type Orchestrator struct {
	Validator *validate.Validator
	RBAC      *rbac.Registry
	Limiter   *ratelimit.Limiter
	Cache     *cache.Cache
	Pool      *pool.Pool
	Metrics   *metrics.Store
	Scheduler *scheduler.Scheduler
	Sessions  *SessionManager
	RetryStats *retry.StatsRegistry
	Level     validate.Level

	tblMu      sync.Mutex
	tableIndex map[string]map[string]bool // table -> set of cached fingerprint keys
}

// New builds an Orchestrator from its component collaborators.
func New(validator *validate.Validator, reg *rbac.Registry, limiter *ratelimit.Limiter, c *cache.Cache, p *pool.Pool, m *metrics.Store, sched *scheduler.Scheduler) *Orchestrator {
	return &Orchestrator{
		Validator:  validator,
		RBAC:       reg,
		Limiter:    limiter,
		Cache:      c,
		Pool:       p,
		Metrics:    m,
		Scheduler:  sched,
		Sessions:   NewSessionManager(),
		RetryStats: retry.NewStatsRegistry(),
		Level:      validate.Moderate,
		tableIndex: make(map[string]map[string]bool),
	}
}

// BeginSession opens a session pinned to one connection under id, for
// callers that need read-your-writes across several Execute calls.
func (o *Orchestrator) BeginSession(ctx context.Context, id string) *classify.Error {
	_, cerr := o.Sessions.Begin(ctx, o.Pool, id)
	return cerr
}

// CommitSession commits and closes a session previously opened with
// BeginSession.
func (o *Orchestrator) CommitSession(id string) *classify.Error {
	return o.Sessions.Commit(o.Pool, id)
}

// RollbackSession rolls back and closes a session previously opened with
// BeginSession.
func (o *Orchestrator) RollbackSession(id string) *classify.Error {
	return o.Sessions.Rollback(o.Pool, id)
}

func leadingVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func shapeForVerb(verb string) Shape {
	switch verb {
	case "SELECT", "SHOW", "DESCRIBE", "EXPLAIN":
		return ShapeRead
	case "INSERT", "UPDATE", "DELETE":
		return ShapeWrite
	case "CREATE", "ALTER", "DROP", "TRUNCATE":
		return ShapeDDL
	default:
		return ShapeRead
	}
}

// Execute runs the full §4.8 pipeline for one tool invocation.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, *classify.Error) {
	start := time.Now()

	// (1) validate args
	if cerr := o.Validator.Validate(req.SQL, "sql", validate.FieldSQLText, o.Level); cerr != nil {
		o.recordOutcome("validation_error", false)
		return nil, cerr
	}

	verb := leadingVerb(req.SQL)
	shape := shapeForVerb(verb)

	// (2) resolve principal permissions
	required := rbac.VerbPermission(verb)
	if !o.RBAC.HasPermission(req.Principal, required) {
		o.recordOutcome("access_denied", false)
		return nil, classify.New(classify.AccessDenied, classify.High, "principal lacks permission "+required)
	}

	// (3) rate limit
	if !o.Limiter.Allow(req.Principal) {
		o.recordOutcome("rate_limited", false)
		return nil, classify.New(classify.RateLimit, classify.Low, "rate limit exceeded for principal")
	}

	// a session-pinned call skips the result cache entirely (it must see its
	// own uncommitted writes) and runs directly against the session's
	// already-open transaction rather than the pool/retry path.
	if req.SessionID != "" {
		return o.executeInSession(req, shape, start)
	}

	// (4) for read-shaped tools, fingerprint and probe cache
	var fp fingerprint.Fingerprint
	var cacheKey string
	if shape == ShapeRead {
		fp = fingerprint.New(req.SQL, req.Args)
		cacheKey = fp.Key()
		if payload, ok := o.Cache.Get(cacheKey); ok {
			o.recordCacheOutcome(true)
			o.recordDuration(start)
			return decodeResult(payload, true), nil
		}
		o.recordCacheOutcome(false)
	}

	// (5) choose retry strategy by tool type; (6) acquire/execute/release
	strategy := strategyFor(shape)
	opName := verb

	result := retry.Execute(ctx, strategy, func(ctx context.Context) (any, error) {
		handle, cerr := o.Pool.Acquire(ctx)
		if cerr != nil {
			return nil, cerr
		}
		defer o.Pool.Release(handle)

		if shape == ShapeRead {
			qr, err := pool.ExecQuery(ctx, handle.Conn, req.SQL, req.Args)
			if err != nil {
				return nil, classify.As(err)
			}
			return qr, nil
		}
		n, err := pool.ExecWrite(ctx, handle.Conn, req.SQL, req.Args)
		if err != nil {
			return nil, classify.As(err)
		}
		return n, nil
	})
	o.RetryStats.Record(opName, result, time.Since(start))

	if !result.Success {
		o.recordOutcome("error", false)
		o.Metrics.RecordError(true, result.LastError.Severity)
		return nil, result.LastError
	}

	var out *Result
	switch shape {
	case ShapeRead:
		qr := result.Value.(*pool.QueryResult)
		out = &Result{Columns: qr.Columns, Rows: qr.Rows}
		o.Cache.Put(cacheKey, encodeResult(out))
		o.indexTables(cacheKey, req.SQL)
	default:
		out = &Result{RowsAffected: result.Value.(int64)}
	}

	// (7) on DML/DDL, invalidate cache entries
	if shape == ShapeWrite || shape == ShapeDDL {
		for _, table := range fingerprint.ReferencedTables(req.SQL) {
			o.invalidateTable(table)
		}
	}

	// (8) record query time / error / cache hit-miss
	o.recordOutcome("success", true)
	o.recordDuration(start)
	o.Metrics.RecordError(false, classify.Info)

	return out, nil
}

// executeInSession runs req directly against an already-open session's
// pinned transaction instead of the pool/retry/cache path: the statement
// must see the session's own prior uncommitted writes, so caching and
// acquiring a fresh connection are both wrong here.
func (o *Orchestrator) executeInSession(req Request, shape Shape, start time.Time) (*Result, *classify.Error) {
	sess, ok := o.Sessions.Get(req.SessionID)
	if !ok {
		o.recordOutcome("session_not_found", false)
		return nil, classify.New(classify.ObjectNotFound, classify.Low, "session not found: "+req.SessionID)
	}

	var out *Result
	if shape == ShapeRead {
		qr, err := pool.ExecQuery(context.Background(), sess.tx, req.SQL, req.Args)
		if err != nil {
			cerr := classify.As(err)
			o.recordOutcome("error", false)
			o.Metrics.RecordError(true, cerr.Severity)
			return nil, cerr
		}
		out = &Result{Columns: qr.Columns, Rows: qr.Rows}
	} else {
		n, err := pool.ExecWrite(context.Background(), sess.tx, req.SQL, req.Args)
		if err != nil {
			cerr := classify.As(err)
			o.recordOutcome("error", false)
			o.Metrics.RecordError(true, cerr.Severity)
			return nil, cerr
		}
		out = &Result{RowsAffected: n}
	}

	if shape == ShapeWrite || shape == ShapeDDL {
		for _, table := range fingerprint.ReferencedTables(req.SQL) {
			o.invalidateTable(table)
		}
	}

	o.recordOutcome("success", true)
	o.recordDuration(start)
	o.Metrics.RecordError(false, classify.Info)
	return out, nil
}

// SubmitLongRunning enqueues a ShapeLongRunning tool via the task scheduler
// (C10) instead of running it synchronously.
func (o *Orchestrator) SubmitLongRunning(taskType string, priority int, thunk scheduler.Thunk) *Result {
	id := o.Scheduler.Submit(taskType, priority, thunk)
	return &Result{TaskID: id}
}

func strategyFor(s Shape) retry.Strategy {
	switch s {
	case ShapeDDL:
		return retry.DDLStrategy()
	case ShapeWrite:
		return retry.TransactionalWriteStrategy()
	default:
		return retry.DefaultStrategy()
	}
}

func (o *Orchestrator) recordDuration(start time.Time) {
	o.Metrics.Record("query_duration_seconds", time.Since(start).Seconds(), nil)
}

func (o *Orchestrator) recordCacheOutcome(hit bool) {
	if hit {
		o.Metrics.Record("cache_hit_rate", 1.0, nil)
	} else {
		o.Metrics.Record("cache_hit_rate", 0.0, nil)
	}
}

func (o *Orchestrator) recordOutcome(kind string, success bool) {
	v := 0.0
	if success {
		v = 1.0
	}
	o.Metrics.Record("request_outcome:"+kind, v, nil)
}

func (o *Orchestrator) indexTables(cacheKey, sql string) {
	tables := fingerprint.ReferencedTables(sql)
	o.tblMu.Lock()
	defer o.tblMu.Unlock()
	for _, t := range tables {
		set, ok := o.tableIndex[t]
		if !ok {
			set = make(map[string]bool)
			o.tableIndex[t] = set
		}
		set[cacheKey] = true
	}
}

// invalidateTable implements the §4.3 DML/DDL invalidation classes: every
// cached fingerprint that reads table is evicted.
func (o *Orchestrator) invalidateTable(table string) {
	o.tblMu.Lock()
	keys := o.tableIndex[table]
	delete(o.tableIndex, table)
	o.tblMu.Unlock()

	if len(keys) == 0 {
		return
	}
	o.Cache.Invalidate(func(fp string) bool { return keys[fp] })
}

// encodeResult/decodeResult serialize a read result for storage in the
// byte-oriented result cache (C7).
func encodeResult(r *Result) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return b
}

func decodeResult(payload []byte, cacheHit bool) *Result {
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return &Result{}
	}
	r.CacheHit = cacheHit
	return &r
}

// InvalidateAll implements the §4.3 pool-reset invalidation class.
func (o *Orchestrator) InvalidateAll() {
	o.tblMu.Lock()
	o.tableIndex = make(map[string]map[string]bool)
	o.tblMu.Unlock()
	o.Cache.InvalidateAll()
}
