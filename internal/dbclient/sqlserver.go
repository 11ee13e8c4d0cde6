package dbclient

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
)

// newSQLServerClient opens a SQL Server connection, forcing the application
// name onto the DSN so sessions are attributable.
func newSQLServerClient(connectionString string, logger *zap.Logger) (Client, error) {
	dsn, err := withSQLServerAppName(connectionString)
	if err != nil {
		return nil, fmt.Errorf("dbclient: sqlserver dsn: %w", err)
	}

	conn, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbclient: open sqlserver: %w", err)
	}
	return &sqlClient{db: conn, family: db.ConnectionSQLServer, logger: logger.Named("sqlserver")}, nil
}

// withSQLServerAppName injects "app name" into URL or ODBC style DSNs without
// clobbering an explicit value.
func withSQLServerAppName(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlserver://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", err
		}
		q := u.Query()
		if q.Get("app name") == "" {
			q.Set("app name", ApplicationName)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	if !strings.Contains(strings.ToLower(dsn), "app name=") {
		dsn = strings.TrimRight(dsn, ";") + ";app name=" + ApplicationName
	}
	return dsn, nil
}

// sqlServerTransientCodes are retryable engine errors: timeouts, deadlocks,
// and Azure SQL throttling.
var sqlServerTransientCodes = map[int32]bool{
	-2:    true, // client timeout
	1205:  true, // deadlock victim
	1204:  true, // lock resources exhausted
	40197: true, // Azure service error
	40501: true, // Azure service busy
	40613: true, // Azure database unavailable
	49918: true,
	49919: true,
	49920: true,
}

func isSQLServerTransient(err error) bool {
	var serverErr mssql.Error
	if errors.As(err, &serverErr) {
		return sqlServerTransientCodes[serverErr.Number]
	}
	return false
}
