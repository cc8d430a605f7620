package pool

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// SQLConnector is the production Connector, wrapping a *sql.DB opened
// against the MySQL driver. Open/SetMaxOpenConns/SetConnMaxLifetime follow
// server/server.go's NewHandler pool setup; this pool manages connection
// checkout itself via db.Conn rather than leaning on database/sql's
// internal pool, so SetMaxOpenConns here is set to Max purely as a
// second line of defense against the driver opening more sockets than the
// logical pool intends.
type SQLConnector struct {
	db *sql.DB
}

// OpenSQLConnector opens a *sql.DB against dsn and wraps it as a Connector.
func OpenSQLConnector(dsn string, maxOpen int, connMaxLifetime time.Duration) (*SQLConnector, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &SQLConnector{db: db}, nil
}

// Connect checks out one *sql.Conn, which satisfies Conn directly.
func (c *SQLConnector) Connect(ctx context.Context) (Conn, error) {
	return c.db.Conn(ctx)
}

// Close closes the underlying *sql.DB.
func (c *SQLConnector) Close() error {
	return c.db.Close()
}
