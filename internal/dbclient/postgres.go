package dbclient

import (
	"errors"
	"fmt"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
)

// newPostgresClient opens a PostgreSQL connection via the pgx stdlib adapter,
// forcing application_name onto the session.
func newPostgresClient(connectionString string, logger *zap.Logger) (Client, error) {
	cfg, err := pgx.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("dbclient: postgres dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	if cfg.RuntimeParams["application_name"] == "" {
		cfg.RuntimeParams["application_name"] = ApplicationName
	}

	conn := stdlib.OpenDB(*cfg)
	return &sqlClient{db: conn, family: db.ConnectionPostgreSQL, logger: logger.Named("postgres")}, nil
}

// postgresTransientStates are retryable SQLSTATEs: serialization failures,
// deadlocks, and resource exhaustion.
var postgresTransientStates = map[string]bool{
	"40001": true, // serialization failure
	"40P01": true, // deadlock detected
	"53300": true, // too many connections
	"57P03": true, // cannot connect now
}

func isPostgresTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return postgresTransientStates[pgErr.Code]
	}
	return false
}
