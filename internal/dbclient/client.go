// Package dbclient wraps access to external source and target databases.
// One client per RDBMS family; all of them stamp the session with the
// application name "Reef", apply a per-call command timeout, and return rows
// as ordered column maps with SQL NULL mapped to nil.
package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
)

// ApplicationName is stamped on every session so DBAs can attribute load.
const ApplicationName = "Reef"

// DefaultTimeout bounds a single query or statement when the caller does not
// specify one.
const DefaultTimeout = 30 * time.Second

// Result is an ordered row set. Columns preserves select-list order; each row
// maps column name to value with nil for SQL NULL.
type Result struct {
	Columns []string
	Rows    []map[string]any
}

// Client executes queries and statements against one external database.
type Client interface {
	// Query runs a select and materialises the rows. A non-positive timeout
	// falls back to DefaultTimeout.
	Query(ctx context.Context, query string, timeout time.Duration) (*Result, error)

	// Exec runs a statement (DML or stored procedure call) and returns the
	// affected row count.
	Exec(ctx context.Context, stmt string, timeout time.Duration) (int64, error)

	// Tx runs fn inside a transaction, rolling back on error.
	Tx(ctx context.Context, fn func(tx *sql.Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// New opens a client for the given connection kind. The connection string
// arrives already decrypted; it must not be logged.
func New(kind db.ConnectionKind, connectionString string, logger *zap.Logger) (Client, error) {
	switch kind {
	case db.ConnectionSQLServer:
		return newSQLServerClient(connectionString, logger)
	case db.ConnectionMySQL:
		return newMySQLClient(connectionString, logger)
	case db.ConnectionPostgreSQL:
		return newPostgresClient(connectionString, logger)
	default:
		return nil, fmt.Errorf("dbclient: unsupported connection kind %q", kind)
	}
}

// sqlClient is the shared database/sql implementation; the per-family
// constructors differ only in DSN preparation and transient classification.
type sqlClient struct {
	db     *sql.DB
	family db.ConnectionKind
	logger *zap.Logger
}

func (c *sqlClient) Query(ctx context.Context, query string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("dbclient: query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("dbclient: columns: %w", err)
	}

	result := &Result{Columns: columns}
	values := make([]any, len(columns))
	scanTargets := make([]any, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("dbclient: scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeScanned(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dbclient: iterate: %w", err)
	}
	return result, nil
}

func (c *sqlClient) Exec(ctx context.Context, stmt string, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := c.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, fmt.Errorf("dbclient: exec: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report affected rows for procedure calls.
		return 0, nil
	}
	return affected, nil
}

func (c *sqlClient) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbclient: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Error("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbclient: commit tx: %w", err)
	}
	return nil
}

func (c *sqlClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("dbclient: ping: %w", err)
	}
	return nil
}

func (c *sqlClient) Close() error {
	return c.db.Close()
}

// normalizeScanned converts driver byte slices to strings; everything else
// passes through, with NULL already nil from the scan.
func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
