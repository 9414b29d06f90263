package db

import (
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	defaultPostgresMaxConns = 25
	defaultPostgresMinConns = 5

	postgresConnMaxLifetime = time.Hour
	postgresConnMaxIdleTime = 30 * time.Minute
)

// OpenPostgres opens a pgx-backed pool for the given DSN. Zero or negative
// pool bounds fall back to the package defaults, and idle connections are
// recycled on a fixed schedule so long-lived deployments do not pin stale
// connections to the server.
func OpenPostgres(dsn string, maxConns, minConns int) (*sqlx.DB, error) {
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresMinConns
	}

	conn, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)
	conn.SetConnMaxLifetime(postgresConnMaxLifetime)
	conn.SetConnMaxIdleTime(postgresConnMaxIdleTime)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return conn, nil
}
