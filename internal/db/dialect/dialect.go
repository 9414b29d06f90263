// Package dialect papers over the SQL differences between the two engines
// the relay can persist to, SQLite and PostgreSQL. Helpers take the sqlx
// driver name so store code stays free of engine switches.
package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Driver names as reported by sqlx.DB.DriverName().
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver name belongs to PostgreSQL.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 integer convention used for SQLite
// columns. Postgres accepts the same values in integer context.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Now yields the engine's current-timestamp expression.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusHours yields an expression for the current time shifted back by
// hoursExpr hours. hoursExpr may be a column reference or a bind placeholder.
func NowMinusHours(driver, hoursExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' hours')::interval", hoursExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' hours')", hoursExpr)
}

// InsertReturningID runs an INSERT and hands back the generated row ID.
// Postgres needs a RETURNING clause; SQLite reports the ID on the exec
// result. The query is rebound, so writers always use ? placeholders.
func InsertReturningID(ctx context.Context, conn *sqlx.DB, query string, args ...any) (int64, error) {
	if IsPostgres(conn.DriverName()) {
		var id int64
		if err := conn.QueryRowContext(ctx, conn.Rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	res, err := conn.ExecContext(ctx, conn.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
