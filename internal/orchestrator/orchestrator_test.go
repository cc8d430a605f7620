package orchestrator

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/sqlgateway/mcpmysql/internal/cache"
	"github.com/sqlgateway/mcpmysql/internal/classify"
	"github.com/sqlgateway/mcpmysql/internal/metrics"
	"github.com/sqlgateway/mcpmysql/internal/pool"
	"github.com/sqlgateway/mcpmysql/internal/ratelimit"
	"github.com/sqlgateway/mcpmysql/internal/rbac"
	"github.com/sqlgateway/mcpmysql/internal/scheduler"
	"github.com/sqlgateway/mcpmysql/internal/validate"
)

// sqlDBConnector wraps an already-open *sql.DB (from sqlmock) as a
// pool.Connector, so ExecQuery/ExecWrite's *sql.Conn type assertion is
// satisfied by a real driver-backed connection.
type sqlDBConnector struct {
	open func(ctx context.Context) (pool.Conn, error)
}

func (c *sqlDBConnector) Connect(ctx context.Context) (pool.Conn, error) {
	return c.open(ctx)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}

	connector := &sqlDBConnector{open: func(ctx context.Context) (pool.Conn, error) { return db.Conn(ctx) }}

	pcfg := pool.DefaultConfig()
	pcfg.Min = 1
	pcfg.Max = 2
	pcfg.HealthCheckInterval = 24 * time.Hour
	pcfg.LeakThreshold = 24 * time.Hour
	p := pool.New(pcfg, connector, nil)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("pool init failed: %v", err)
	}

	validator := validate.New(validate.DefaultConfig())
	reg := rbac.New()
	reg.PutRole(rbac.Role{ID: "reader", Permissions: map[string]bool{"sql:read": true}})
	reg.PutRole(rbac.Role{ID: "writer", Permissions: map[string]bool{"sql:read": true, "sql:write": true}})
	reg.AssignRole("alice", "reader")
	reg.AssignRole("bob", "writer")

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.BaseRequestsPerSecond = 1000
	limiterCfg.BaseBurstSize = 1000
	limiter := ratelimit.New(limiterCfg, nil)

	c := cache.New(cache.DefaultConfig(), nil)
	m := metrics.New(metrics.DefaultConfig())
	sched := scheduler.New(scheduler.DefaultConfig())

	o := New(validator, reg, limiter, c, p, m, sched)

	cleanup := func() {
		p.Close()
		db.Close()
	}
	return o, mock, cleanup
}

func TestExecuteReadHitsDatabaseThenCacheOnSecondCall(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "alice")
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	req := Request{Tool: "query", SQL: "SELECT id, name FROM users WHERE id = ?", Args: []any{1}, Principal: "alice"}
	res, cerr := o.Execute(context.Background(), req)
	if cerr != nil {
		t.Fatalf("unexpected error: %v", cerr)
	}
	if len(res.Rows) != 1 || res.CacheHit {
		t.Fatalf("expected one uncached row, got %+v", res)
	}

	// second identical call should be served from cache; sqlmock has no
	// further expectation queued, so a DB hit would fail the mock.
	res2, cerr := o.Execute(context.Background(), req)
	if cerr != nil {
		t.Fatalf("unexpected error on cached call: %v", cerr)
	}
	if !res2.CacheHit {
		t.Fatal("expected second identical read to be served from cache")
	}
}

func TestExecuteDeniesWithoutPermission(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()
	_ = mock

	req := Request{Tool: "query", SQL: "INSERT INTO users (name) VALUES (?)", Args: []any{"x"}, Principal: "alice"}
	_, cerr := o.Execute(context.Background(), req)
	if cerr == nil || cerr.Category != classify.AccessDenied {
		t.Fatalf("expected ACCESS_DENIED for reader attempting write, got %+v", cerr)
	}
}

func TestExecuteRejectsInvalidSQL(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t)
	defer cleanup()

	req := Request{Tool: "query", SQL: "SELECT * FROM users\x00", Principal: "alice"}
	_, cerr := o.Execute(context.Background(), req)
	if cerr == nil {
		t.Fatal("expected validation error for null byte in query")
	}
}

func TestExecuteWriteInvalidatesCachedReads(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"id"}).AddRow(1)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	readReq := Request{Tool: "query", SQL: "SELECT id FROM users", Principal: "bob"}
	if _, cerr := o.Execute(context.Background(), readReq); cerr != nil {
		t.Fatalf("unexpected error priming cache: %v", cerr)
	}

	mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))
	writeReq := Request{Tool: "query", SQL: "UPDATE users SET name = ?", Args: []any{"bob"}, Principal: "bob"}
	if _, cerr := o.Execute(context.Background(), writeReq); cerr != nil {
		t.Fatalf("unexpected error on write: %v", cerr)
	}

	rows2 := sqlmock.NewRows([]string{"id"}).AddRow(1)
	mock.ExpectQuery("SELECT").WillReturnRows(rows2)
	res, cerr := o.Execute(context.Background(), readReq)
	if cerr != nil {
		t.Fatalf("unexpected error on re-read: %v", cerr)
	}
	if res.CacheHit {
		t.Fatal("expected cache to be invalidated after write to the same table")
	}
}
