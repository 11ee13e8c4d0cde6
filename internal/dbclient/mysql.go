package dbclient

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
)

// newMySQLClient opens a MySQL connection. The application name travels as a
// connection attribute, which SHOW PROCESSLIST surfaces via
// performance_schema.session_connect_attrs.
func newMySQLClient(connectionString string, logger *zap.Logger) (Client, error) {
	cfg, err := mysql.ParseDSN(connectionString)
	if err != nil {
		return nil, fmt.Errorf("dbclient: mysql dsn: %w", err)
	}
	if cfg.ConnectionAttributes == "" {
		cfg.ConnectionAttributes = "program_name:" + ApplicationName
	}
	cfg.ParseTime = true

	conn, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("dbclient: open mysql: %w", err)
	}
	return &sqlClient{db: conn, family: db.ConnectionMySQL, logger: logger.Named("mysql")}, nil
}

// mysqlTransientCodes are retryable errors: lock timeouts, deadlocks, and
// dropped connections.
var mysqlTransientCodes = map[uint16]bool{
	1205: true, // lock wait timeout
	1213: true, // deadlock
	2006: true, // server has gone away
	2013: true, // lost connection during query
}

func isMySQLTransient(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlTransientCodes[myErr.Number]
	}
	return false
}
