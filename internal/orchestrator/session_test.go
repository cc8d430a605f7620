package orchestrator

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestSessionReadsOwnUncommittedWrite(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()

	mock.ExpectBegin()
	if cerr := o.BeginSession(context.Background(), "sess-1"); cerr != nil {
		t.Fatalf("unexpected error beginning session: %v", cerr)
	}

	mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))
	writeReq := Request{Tool: "query", SQL: "UPDATE users SET name = ?", Args: []any{"carol"}, Principal: "bob", SessionID: "sess-1"}
	if _, cerr := o.Execute(context.Background(), writeReq); cerr != nil {
		t.Fatalf("unexpected error on session write: %v", cerr)
	}

	rows := sqlmock.NewRows([]string{"name"}).AddRow("carol")
	mock.ExpectQuery("SELECT").WillReturnRows(rows)
	readReq := Request{Tool: "query", SQL: "SELECT name FROM users", Principal: "bob", SessionID: "sess-1"}
	res, cerr := o.Execute(context.Background(), readReq)
	if cerr != nil {
		t.Fatalf("unexpected error on session read: %v", cerr)
	}
	if res.CacheHit {
		t.Fatal("session reads must never be served from the shared result cache")
	}

	mock.ExpectCommit()
	if cerr := o.CommitSession("sess-1"); cerr != nil {
		t.Fatalf("unexpected error committing session: %v", cerr)
	}
}

func TestExecuteWithUnknownSessionIDFails(t *testing.T) {
	o, _, cleanup := newTestOrchestrator(t)
	defer cleanup()

	req := Request{Tool: "query", SQL: "SELECT 1", Principal: "bob", SessionID: "missing"}
	_, cerr := o.Execute(context.Background(), req)
	if cerr == nil {
		t.Fatal("expected error for unknown session id")
	}
}

func TestRollbackDiscardsSessionWrite(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()

	mock.ExpectBegin()
	if cerr := o.BeginSession(context.Background(), "sess-2"); cerr != nil {
		t.Fatalf("unexpected error beginning session: %v", cerr)
	}

	mock.ExpectExec("DELETE").WillReturnResult(sqlmock.NewResult(0, 1))
	req := Request{Tool: "query", SQL: "DELETE FROM users WHERE id = ?", Args: []any{1}, Principal: "bob", SessionID: "sess-2"}
	if _, cerr := o.Execute(context.Background(), req); cerr != nil {
		t.Fatalf("unexpected error on session write: %v", cerr)
	}

	mock.ExpectRollback()
	if cerr := o.RollbackSession("sess-2"); cerr != nil {
		t.Fatalf("unexpected error rolling back session: %v", cerr)
	}

	if _, ok := o.Sessions.Get("sess-2"); ok {
		t.Fatal("expected session to be removed after rollback")
	}
}

func TestCleanupExpiredRollsBackIdleSessions(t *testing.T) {
	o, mock, cleanup := newTestOrchestrator(t)
	defer cleanup()
	_ = mock

	mock.ExpectBegin()
	if cerr := o.BeginSession(context.Background(), "sess-3"); cerr != nil {
		t.Fatalf("unexpected error beginning session: %v", cerr)
	}

	mock.ExpectRollback()
	o.Sessions.CleanupExpired(o.Pool, -1*time.Second)

	if _, ok := o.Sessions.Get("sess-3"); ok {
		t.Fatal("expected idle session to be cleaned up")
	}
}
