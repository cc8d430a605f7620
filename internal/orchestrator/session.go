package orchestrator

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sqlgateway/mcpmysql/internal/classify"
	"github.com/sqlgateway/mcpmysql/internal/pool"
)

// Session pins one pool connection across several Execute calls so a caller
// can read its own writes (spec §5 ordering guarantees) without the
// connection pool handing the next call a different backend connection.
// Adapted from server/transactions.go's Transaction, generalized from a
// bare *sql.Tx wrapper to also own the pool.Handle it was acquired from, so
// it can be released back to the pool on commit/rollback/expiry.
type Session struct {
	ID         string
	handle     *pool.Handle
	tx         *sql.Tx
	StartedAt  time.Time
	lastUsedAt time.Time
	mu         sync.RWMutex
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastUsedAt)
}

// SessionManager is a registry of active sessions, adapted from
// server/transactions.go's TransactionManager: same begin/get/commit/
// rollback/cleanup shape, generalized to own a pool.Handle per session
// rather than a bare *sql.Tx over a single long-lived *sql.DB.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty session registry.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// Begin acquires a connection from p, starts a transaction on it, and
// registers the resulting session under id.
func (sm *SessionManager) Begin(ctx context.Context, p *pool.Pool, id string) (*Session, *classify.Error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.sessions[id]; exists {
		return nil, classify.New(classify.ValidationError, classify.Low, "session already exists: "+id)
	}

	handle, cerr := p.Acquire(ctx)
	if cerr != nil {
		return nil, cerr
	}
	tx, err := pool.BeginTx(ctx, handle.Conn, nil)
	if err != nil {
		p.Release(handle)
		return nil, classify.As(err)
	}

	s := &Session{ID: id, handle: handle, tx: tx, StartedAt: time.Now(), lastUsedAt: time.Now()}
	sm.sessions[id] = s
	return s, nil
}

// Get returns the session registered under id, bumping its last-used time.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		s.touch()
	}
	return s, ok
}

// Commit commits the session's transaction, releases its connection back to
// the pool, and removes it from the registry.
func (sm *SessionManager) Commit(p *pool.Pool, id string) *classify.Error {
	return sm.end(p, id, func(tx *sql.Tx) error { return tx.Commit() })
}

// Rollback rolls back the session's transaction, releases its connection
// back to the pool, and removes it from the registry.
func (sm *SessionManager) Rollback(p *pool.Pool, id string) *classify.Error {
	return sm.end(p, id, func(tx *sql.Tx) error { return tx.Rollback() })
}

func (sm *SessionManager) end(p *pool.Pool, id string, finish func(*sql.Tx) error) *classify.Error {
	sm.mu.Lock()
	s, exists := sm.sessions[id]
	if !exists {
		sm.mu.Unlock()
		return classify.New(classify.ObjectNotFound, classify.Low, "session not found: "+id)
	}
	delete(sm.sessions, id)
	sm.mu.Unlock()

	err := finish(s.tx)
	p.Release(s.handle)
	if err != nil {
		return classify.As(err)
	}
	return nil
}

// CleanupExpired force-rolls-back and releases any session idle longer than
// maxAge, mirroring server/transactions.go's CleanupExpiredTransactions.
func (sm *SessionManager) CleanupExpired(p *pool.Pool, maxAge time.Duration) {
	sm.mu.Lock()
	var expired []*Session
	for id, s := range sm.sessions {
		if s.idleSince() > maxAge {
			expired = append(expired, s)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, s := range expired {
		_ = s.tx.Rollback()
		p.Release(s.handle)
	}
}

// Stats reports the number of active sessions, mirroring
// server/transactions.go's TransactionManager.GetStats.
func (sm *SessionManager) Stats() map[string]any {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return map[string]any{"active_sessions": len(ids), "ids": ids}
}
