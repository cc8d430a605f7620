package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/sqlgateway/mcpmysql/internal/classify"
)

// classifyDriverError maps a *mysql.MySQLError to a classified error via
// classify.FromDriverCode; any other error is returned unchanged.
func classifyDriverError(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return classify.FromDriverCode(int(me.Number), me.Message)
	}
	return err
}

// QueryResult is a tabular result set ready for JSON serialization.
type QueryResult struct {
	Columns []string
	Rows    [][]any
}

// queryExecer is the subset of *sql.Conn and *sql.Tx that ExecQuery/ExecWrite
// need. Accepting it instead of a concrete type lets the same execution path
// serve both a plain pooled connection and a session's pinned transaction.
type queryExecer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ExecQuery runs a SELECT-shaped query over execer (a *sql.Conn or, for a
// session-pinned call, a *sql.Tx) and converts each column per
// convertDatabaseValue, adapted from server/server.go's
// handleSQL/convertDatabaseValue: integer/decimal/text column types arriving
// as []byte are converted to strings so large numeric values don't lose
// precision going through JSON, native Go types pass through unchanged.
func ExecQuery(ctx context.Context, execer any, query string, args []any) (*QueryResult, error) {
	sc, ok := execer.(queryExecer)
	if !ok {
		return nil, fmt.Errorf("pool: ExecQuery requires a *sql.Conn or *sql.Tx")
	}
	rows, err := sc.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyDriverError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{Columns: cols}
	for rows.Next() {
		scanDest := make([]any, len(cols))
		for i := range scanDest {
			scanDest[i] = new(any)
		}
		if err := rows.Scan(scanDest...); err != nil {
			return nil, err
		}
		row := make([]any, len(cols))
		for i, val := range scanDest {
			row[i] = convertDatabaseValue(*(val.(*any)), colTypes[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// BeginTx starts a transaction on a handle's underlying *sql.Conn, for
// pinning a session (see orchestrator.SessionManager) to one connection
// across multiple calls.
func BeginTx(ctx context.Context, conn Conn, opts *sql.TxOptions) (*sql.Tx, error) {
	sc, ok := conn.(*sql.Conn)
	if !ok {
		return nil, fmt.Errorf("pool: BeginTx requires a *sql.Conn")
	}
	return sc.BeginTx(ctx, opts)
}

// ExecWrite runs an INSERT/UPDATE/DELETE/DDL statement and returns rows
// affected (DDL statements report 0).
func ExecWrite(ctx context.Context, execer any, query string, args []any) (int64, error) {
	sc, ok := execer.(queryExecer)
	if !ok {
		return 0, fmt.Errorf("pool: ExecWrite requires a *sql.Conn or *sql.Tx")
	}
	res, err := sc.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classifyDriverError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil // DDL statements: RowsAffected is meaningless, not an error
	}
	return n, nil
}

// convertDatabaseValue is server/server.go's Handler.convertDatabaseValue,
// adapted to a free function operating on any driver-returned value.
func convertDatabaseValue(val any, colType *sql.ColumnType) any {
	if val == nil {
		return nil
	}
	switch v := val.(type) {
	case []byte:
		switch colType.DatabaseTypeName() {
		case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INTEGER", "BIGINT":
			str := string(v)
			if str == "" {
				return 0
			}
			return str
		case "DECIMAL", "NUMERIC", "FLOAT", "DOUBLE", "REAL":
			return string(v)
		case "CHAR", "VARCHAR", "TEXT", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT":
			return string(v)
		default:
			return string(v)
		}
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
